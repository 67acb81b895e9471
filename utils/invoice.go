package utils

import (
	"encoding/hex"
	"fmt"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type Invoice struct {
	AmountSats  uint64
	PaymentHash []byte
	CreatedAt   time.Time
	Expiry      time.Time
	Description string
}

func (i Invoice) PaymentHashHex() string {
	return hex.EncodeToString(i.PaymentHash)
}

func (i Invoice) IsExpired(now time.Time) bool {
	return !i.Expiry.IsZero() && now.After(i.Expiry)
}

func DecodeInvoice(invoice string) (*Invoice, error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice: %w", err)
	}

	paymentHash, err := hex.DecodeString(bolt11.PaymentHash)
	if err != nil {
		return nil, err
	}

	createdAt := time.Unix(int64(bolt11.CreatedAt), 0)
	return &Invoice{
		AmountSats:  uint64(bolt11.MSatoshi / 1000),
		PaymentHash: paymentHash,
		CreatedAt:   createdAt,
		Expiry:      createdAt.Add(time.Duration(bolt11.Expiry) * time.Second),
		Description: bolt11.Description,
	}, nil
}

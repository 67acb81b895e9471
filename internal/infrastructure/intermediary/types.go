package intermediary

import (
	"math/big"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	log "github.com/sirupsen/logrus"
)

type toBTCRequest struct {
	Chain         string `json:"chain"`
	Offerer       string `json:"offerer"`
	Token         string `json:"token"`
	Address       string `json:"btcAddress"`
	Amount        string `json:"amount"`
	ExactIn       bool   `json:"exactIn"`
	Confirmations uint32 `json:"confirmations"`
	Nonce         uint64 `json:"nonce"`
}

type toBTCLNRequest struct {
	Chain           string `json:"chain"`
	Offerer         string `json:"offerer"`
	Token           string `json:"token"`
	Invoice         string `json:"pr"`
	MaxFee          uint64 `json:"maxFee"`
	ExpiryTimestamp int64  `json:"expiryTimestamp"`
}

type fromBTCRequest struct {
	Chain    string `json:"chain"`
	Claimer  string `json:"address"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	ExactOut bool   `json:"exactOut"`
	Sequence string `json:"sequence"`
}

type fromBTCLNRequest struct {
	Chain           string `json:"chain"`
	Claimer         string `json:"address"`
	Token           string `json:"token"`
	Amount          string `json:"amount"`
	ExactOut        bool   `json:"exactOut"`
	PaymentHash     string `json:"paymentHash"`
	DescriptionHash string `json:"descriptionHash,omitempty"`
	FeeRate         string `json:"feeRate,omitempty"`
}

type spvQuoteRequest struct {
	Chain       string `json:"chain"`
	Recipient   string `json:"address"`
	Token       string `json:"token"`
	GasToken    string `json:"gasToken"`
	Amount      string `json:"amount"`
	ExactOut    bool   `json:"exactOut"`
	GasAmount   string `json:"gasAmount"`
	CallerFee   string `json:"callerFeeRate"`
	FrontingFee string `json:"frontingFeeRate"`
}

type refundPaidResponse struct {
	TxID   string `json:"txId"`
	Secret string `json:"secret"`
}

type serviceInfo struct {
	SwapBaseFee uint64              `json:"swapBaseFee"`
	SwapFeePPM  uint64              `json:"swapFeePPM"`
	Min         uint64              `json:"min"`
	Max         uint64              `json:"max"`
	ChainTokens map[string][]string `json:"chainTokens"`
}

type reputation struct {
	Successes uint64 `json:"successes"`
	Fails     uint64 `json:"fails"`
	CoopClose uint64 `json:"coopClose"`
}

type infoResponse struct {
	Chains map[string]struct {
		Address string `json:"address"`
	} `json:"chains"`
	Services   map[string]serviceInfo           `json:"services"`
	Reputation map[string]map[string]reputation `json:"reputation"`
	Liquidity  map[string]map[string]*big.Int   `json:"liquidity"`
}

func (r *infoResponse) toDomain(url string) (*domain.Intermediary, error) {
	if len(r.Chains) == 0 {
		return nil, domain.NewIntermediaryError(url, "no supported chain")
	}

	lp := &domain.Intermediary{
		Url:        url,
		Addresses:  make(map[string]string, len(r.Chains)),
		Services:   make(map[domain.SwapType]domain.ServiceInfo, len(r.Services)),
		Reputation: make(map[string]map[string]domain.Reputation, len(r.Reputation)),
		Liquidity:  r.Liquidity,
	}
	for chainID, chain := range r.Chains {
		if chain.Address == "" {
			return nil, domain.NewIntermediaryError(url, "missing address for chain %s", chainID)
		}
		lp.Addresses[chainID] = chain.Address
	}
	for name, svc := range r.Services {
		swapType, err := domain.ParseSwapType(name)
		if err != nil {
			log.Debugf("intermediary %s advertises unknown service %s", url, name)
			continue
		}
		if svc.Min > svc.Max {
			return nil, domain.NewIntermediaryError(
				url, "invalid bounds for %s: min %d > max %d", name, svc.Min, svc.Max,
			)
		}
		lp.Services[swapType] = domain.ServiceInfo{
			SwapBaseFee: svc.SwapBaseFee,
			SwapFeePPM:  svc.SwapFeePPM,
			Min:         svc.Min,
			Max:         svc.Max,
			ChainTokens: svc.ChainTokens,
		}
	}
	for chainID, tokens := range r.Reputation {
		lp.Reputation[chainID] = make(map[string]domain.Reputation, len(tokens))
		for token, rep := range tokens {
			lp.Reputation[chainID][token] = domain.Reputation(rep)
		}
	}
	return lp, nil
}

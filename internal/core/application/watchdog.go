package application

import (
	"context"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const defaultWatchdogInterval = 5 * time.Second

// watchdogWaitTillCommitted polls the escrow until it is committed or paid,
// returning true, or until the init authorization is confirmed expired,
// returning false. Only ctx cancellation makes it return an error.
func watchdogWaitTillCommitted(
	ctx context.Context, chain ports.ChainInterface, signer string,
	data domain.EscrowData, sig *domain.SignatureData, interval time.Duration,
) (bool, error) {
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	for {
		status, err := chain.GetCommitStatus(ctx, signer, data)
		if err != nil {
			log.WithError(err).Debug("commit watchdog: failed to get commit status")
		} else {
			switch status.Type {
			case domain.CommitStatusCommitted, domain.CommitStatusPaid:
				return true, nil
			case domain.CommitStatusNotCommitted, domain.CommitStatusExpired:
				expired, err := chain.IsInitAuthorizationExpired(ctx, data, sig)
				if err != nil {
					log.WithError(err).Debug("commit watchdog: failed to check authorization expiry")
				} else if expired {
					return false, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// watchdogWaitTillResult polls the escrow until it reaches a terminal commit
// state: paid, expired or no longer committed. Errors are swallowed, only
// ctx cancellation stops it.
func watchdogWaitTillResult(
	ctx context.Context, chain ports.ChainInterface, signer string,
	data domain.EscrowData, interval time.Duration,
) (*domain.CommitStatus, error) {
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	for {
		status, err := chain.GetCommitStatus(ctx, signer, data)
		if err != nil {
			log.WithError(err).Debug("result watchdog: failed to get commit status")
		} else if status.Type != domain.CommitStatusCommitted {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

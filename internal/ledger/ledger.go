// Package ledger submits alert records to an external signer over JSON-RPC.
//
// The signer owns the ledger account and keys; this package only asks it to
// report an infection for a device and waits for the resulting transaction
// to be confirmed or explicitly failed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"entropyguard/internal/alert"
)

// Transaction states reported by the signer.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// ErrConfirmTimeout is returned when a transaction stays pending past
// ConfirmTimeout.
var ErrConfirmTimeout = errors.New("ledger: transaction not confirmed in time")

// ErrTransactionFailed is returned when the signer reports a failed
// transaction.
var ErrTransactionFailed = errors.New("ledger: transaction failed")

// Config configures the signer endpoint and transaction parameters.
type Config struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration

	ReportMethod string
	StatusMethod string

	// Contract, GasLimit and GasPriceGwei are forwarded to the signer
	// unchanged.
	Contract     string
	GasLimit     uint64
	GasPriceGwei float64

	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	// DuplicateCode is the RPC error code the signer uses for a submission
	// ID it has already reported.
	DuplicateCode int
}

// DefaultConfig returns defaults for everything except the endpoint.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		ReportMethod:   "reportInfection",
		StatusMethod:   "getSubmission",
		ConfirmTimeout: 2 * time.Minute,
		PollInterval:   2 * time.Second,
		DuplicateCode:  -32010,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ReportMethod == "" {
		c.ReportMethod = d.ReportMethod
	}
	if c.StatusMethod == "" {
		c.StatusMethod = d.StatusMethod
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DuplicateCode == 0 {
		c.DuplicateCode = d.DuplicateCode
	}
	return c
}

// Fee carries transaction fee parameters.
type Fee struct {
	GasLimit     uint64  `json:"gasLimit,omitempty"`
	GasPriceGwei float64 `json:"gasPriceGwei,omitempty"`
}

// ReportParams is the single parameter of the report method.
type ReportParams struct {
	DeviceID     string    `json:"deviceId"`
	SubmissionID string    `json:"submissionId"`
	Path         string    `json:"path"`
	Score        float64   `json:"score"`
	DecidedAt    time.Time `json:"decidedAt"`
	Contract     string    `json:"contract,omitempty"`
	Fee          Fee       `json:"fee"`
}

// Submission is the signer's view of a report.
type Submission struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
}

// Sink is an alert.Sink backed by the signer.
type Sink struct {
	cfg    Config
	client *rpcClient
}

// New creates a ledger sink.
func New(cfg Config) (*Sink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("ledger: endpoint is required")
	}
	cfg = cfg.withDefaults()
	return &Sink{
		cfg: cfg,
		client: &rpcClient{
			endpoint:  cfg.Endpoint,
			authToken: cfg.AuthToken,
			http:      &http.Client{Timeout: cfg.Timeout},
		},
	}, nil
}

func (s *Sink) Name() string { return "ledger" }

// Submit reports rec unless the signer already knows its submission ID,
// then waits for the transaction to settle.
func (s *Sink) Submit(ctx context.Context, rec alert.Record) (alert.Receipt, error) {
	existing, err := s.Status(ctx, rec.SubmissionID)
	if err != nil {
		return alert.Receipt{}, err
	}
	if existing != nil && existing.Status != StatusFailed {
		sub, err := s.settle(ctx, rec.SubmissionID, *existing)
		if err != nil {
			return alert.Receipt{}, err
		}
		return s.receipt(rec, sub, true), nil
	}

	params := ReportParams{
		DeviceID:     rec.DeviceID,
		SubmissionID: rec.SubmissionID,
		Path:         rec.Path,
		Score:        rec.Score,
		DecidedAt:    rec.DecidedAt,
		Contract:     s.cfg.Contract,
		Fee:          Fee{GasLimit: s.cfg.GasLimit, GasPriceGwei: s.cfg.GasPriceGwei},
	}

	raw, err := s.client.call(ctx, s.cfg.ReportMethod, params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == s.cfg.DuplicateCode {
			sub := Submission{Status: StatusConfirmed}
			if known, statusErr := s.Status(ctx, rec.SubmissionID); statusErr == nil && known != nil {
				sub = *known
			}
			return s.receipt(rec, sub, true), nil
		}
		return alert.Receipt{}, classifyRPC(err)
	}

	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return alert.Receipt{}, alert.NewTransient(fmt.Errorf("decode %s result: %w", s.cfg.ReportMethod, err))
	}

	sub, err = s.settle(ctx, rec.SubmissionID, sub)
	if err != nil {
		return alert.Receipt{}, err
	}
	return s.receipt(rec, sub, false), nil
}

// Status returns the signer's record of id, or nil if it has none.
func (s *Sink) Status(ctx context.Context, id string) (*Submission, error) {
	raw, err := s.client.call(ctx, s.cfg.StatusMethod, id)
	if err != nil {
		return nil, classifyRPC(err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, alert.NewTransient(fmt.Errorf("decode %s result: %w", s.cfg.StatusMethod, err))
	}
	return &sub, nil
}

// settle polls a pending submission until it is confirmed, failed or
// ConfirmTimeout elapses.
func (s *Sink) settle(ctx context.Context, id string, sub Submission) (Submission, error) {
	deadline := time.Now().Add(s.cfg.ConfirmTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch sub.Status {
		case StatusConfirmed, "":
			return sub, nil
		case StatusFailed:
			return sub, alert.NewPermanent(fmt.Errorf("%w: tx %s", ErrTransactionFailed, sub.TxHash))
		case StatusPending:
		default:
			return sub, alert.NewTransient(fmt.Errorf("ledger: unknown status %q for %s", sub.Status, id))
		}

		if time.Now().After(deadline) {
			return sub, alert.NewTransient(fmt.Errorf("%w: tx %s after %s", ErrConfirmTimeout, sub.TxHash, s.cfg.ConfirmTimeout))
		}

		select {
		case <-ctx.Done():
			return sub, alert.NewTransient(ctx.Err())
		case <-ticker.C:
		}

		next, err := s.Status(ctx, id)
		if err != nil {
			return sub, err
		}
		if next != nil {
			if next.TxHash == "" {
				next.TxHash = sub.TxHash
			}
			sub = *next
		}
	}
}

func (s *Sink) receipt(rec alert.Record, sub Submission, duplicate bool) alert.Receipt {
	return alert.Receipt{
		SubmissionID: rec.SubmissionID,
		Sink:         s.Name(),
		Reference:    sub.TxHash,
		Duplicate:    duplicate,
		SubmittedAt:  time.Now().UTC(),
	}
}

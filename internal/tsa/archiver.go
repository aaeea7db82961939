package tsa

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/events"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Archive is where the archiver reads invoices and stores their tokens.
type Archive interface {
	FindByID(ctx context.Context, id types.ID) (*invoice.SignedInvoice, error)
	AttachTimestamp(ctx context.Context, id types.ID, token []byte) error
}

// Archiver timestamps the document of record of every issued invoice.
type Archiver struct {
	server  *Server
	archive Archive
	logger  *slog.Logger
}

// NewArchiver creates an archiver stamping with server into archive.
func NewArchiver(server *Server, archive Archive, logger *slog.Logger) *Archiver {
	return &Archiver{server: server, archive: archive, logger: logger}
}

// Subscribe stamps invoices as invoice.issued events arrive on bus.
func (a *Archiver) Subscribe(ctx context.Context, bus events.Bus) error {
	return bus.Subscribe(ctx, events.TypeInvoiceIssued, "tsa-archiver", a.handle)
}

type issuedPayload struct {
	InvoiceID types.ID `json:"invoice_id"`
}

func (a *Archiver) handle(ctx context.Context, event events.Event) error {
	// Data is a map in process and decoded JSON when read back from the bus.
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	var p issuedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.InvoiceID.IsZero() {
		a.logger.Warn("invoice event without invoice id", "event_id", event.ID)
		return nil
	}
	_, err = a.Stamp(ctx, p.InvoiceID)
	return err
}

// Stamp timestamps the invoice's document of record and attaches the token.
// An invoice that already carries a token is left alone and yields nil.
func (a *Archiver) Stamp(ctx context.Context, id types.ID) (*TimestampResponse, error) {
	s, err := a.archive.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(s.TimestampToken) > 0 {
		return nil, nil
	}

	resp, err := a.server.TimestampData(ctx, s.Document)
	if err != nil {
		return nil, fmt.Errorf("timestamp invoice %s: %w", id, err)
	}
	if err := a.archive.AttachTimestamp(ctx, id, resp.Token); err != nil {
		return nil, err
	}

	a.logger.Debug("invoice timestamped",
		"invoice_id", id,
		"serial_number", resp.SerialNumber,
		"timestamp", resp.Timestamp,
	)
	return resp, nil
}

// Verify checks the invoice's stored token against its document of record.
func (a *Archiver) Verify(ctx context.Context, id types.ID) (*VerifyResult, error) {
	s, err := a.archive.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(s.TimestampToken) == 0 {
		return &VerifyResult{Valid: false, Message: "invoice has not been timestamped"}, nil
	}
	hash := sha256.Sum256(s.Document)
	return a.server.Verify(ctx, s.TimestampToken, hash[:])
}

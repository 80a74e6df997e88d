package form222

import (
	"context"

	"github.com/rs/zerolog"
)

// StubCopyWriter stands in for purchaser-copy document generation: it
// records the copy in the log instead of rendering a document.
type StubCopyWriter struct {
	Logger zerolog.Logger
}

func (w *StubCopyWriter) WritePurchaserCopy(_ context.Context, f *DeaForm222, lines []*DeaForm222Line) error {
	w.Logger.Info().
		Str("form_number", f.Number).
		Str("supplier", f.Supplier).
		Int("lines", len(lines)).
		Time("expires_at", f.ExpiresAt).
		Msg("purchaser copy generated")
	return nil
}

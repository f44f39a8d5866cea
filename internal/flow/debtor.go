// Debtor enrichment: the synchronous lookup ladder shared by INPUT document
// capture and API_CALL nodes.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/google/uuid"
)

// DebtorDateFormat is how due dates are exposed to templates.
const DebtorDateFormat = "02/01/2006"

// enrichFromDebtor resolves a debtor by document and merges a nested
// "debtor" object of display fields into the variables. Lookup failures are
// logged and leave debtorFound=false; they are never fatal to the flow.
func (e *Engine) enrichFromDebtor(ctx context.Context, d *dispatch, documentType, number string) {
	number = strings.TrimSpace(number)
	slog.Debug("Debtor lookup starting", "chatID", d.sess.ChatID, "documentType", documentType, "number_length", len(number))

	debtor, err := e.lookupLadder(ctx, documentType, number)
	if err != nil {
		slog.Error("Debtor lookup failed", "chatID", d.sess.ChatID, "error", err)
		d.sess.Variables["debtorFound"] = false
		d.sess.Variables["lookup_error"] = true
		return
	}
	if debtor == nil {
		slog.Info("Debtor not found", "chatID", d.sess.ChatID, "documentType", documentType)
		d.sess.Variables["debtorFound"] = false
		return
	}

	d.sess.Variables["debtorFound"] = true
	d.sess.Variables["debtor"] = debtorDisplayFields(debtor)
	if debtor.Name != "" {
		d.sess.Variables["clientName"] = debtor.Name
	}

	now := time.Now()
	patch := models.ChatPatch{
		DebtorID:        &debtor.ID,
		LastContactedAt: &now,
	}
	if debtor.Name != "" {
		patch.ContactName = &debtor.Name
	}
	if err := e.deps.Chats.Update(ctx, d.sess.ChatID, patch); err != nil {
		slog.Error("Debtor link chat update failed", "chatID", d.sess.ChatID, "debtorID", debtor.ID, "error", err)
	}

	e.deps.Events.Publish(models.Event{
		ID:     uuid.NewString(),
		Name:   models.EventDebtorLinked,
		ChatID: d.sess.ChatID,
		Payload: map[string]any{
			"debtor_id":   debtor.ID,
			"debtor_name": debtor.Name,
		},
		Time: now,
	})
	slog.Info("Debtor linked to chat", "chatID", d.sess.ChatID, "debtorID", debtor.ID)
}

// lookupLadder tries exact type+number, then number-only, then number with
// leading zeros stripped. Not-found moves to the next rung; other errors
// abort the ladder.
func (e *Engine) lookupLadder(ctx context.Context, documentType, number string) (*models.Debtor, error) {
	if documentType != "" {
		debtor, err := e.deps.Debtors.FindByDocument(ctx, documentType, number)
		if err != nil && !errors.Is(err, models.ErrDebtorNotFound) {
			return nil, err
		}
		if debtor != nil {
			return debtor, nil
		}
	}

	debtor, err := e.deps.Debtors.FindByDocumentNumber(ctx, number)
	if err != nil && !errors.Is(err, models.ErrDebtorNotFound) {
		return nil, err
	}
	if debtor != nil {
		return debtor, nil
	}

	stripped := strings.TrimLeft(number, "0")
	if stripped != "" && stripped != number {
		debtor, err = e.deps.Debtors.FindByDocumentNumber(ctx, stripped)
		if err != nil && !errors.Is(err, models.ErrDebtorNotFound) {
			return nil, err
		}
		if debtor != nil {
			return debtor, nil
		}
	}
	return nil, nil
}

// debtorDisplayFields builds the nested debtor namespace for templates.
// Unresolved fields render as the fixed missing-value marker.
func debtorDisplayFields(debtor *models.Debtor) map[string]any {
	fields := map[string]any{
		"name":           orMissing(debtor.Name),
		"documentType":   orMissing(debtor.DocumentType),
		"documentNumber": orMissing(debtor.DocumentNumber),
		"debtAmount":     debtor.DebtAmount,
		"company":        orMissing(debtor.Company),
		"reference":      orMissing(debtor.Reference),
	}
	if debtor.DueDate != nil {
		fields["dueDate"] = debtor.DueDate.Format(DebtorDateFormat)
	} else {
		fields["dueDate"] = MissingValue
	}
	return fields
}

func orMissing(s string) string {
	if s == "" {
		return MissingValue
	}
	return s
}

// Package purchase drives the buy conversation and executes the purchase.
//
// The conversation is a per-user state machine persisted on the account row,
// so an in-flight purchase survives a restart:
//
//	idle → rate_chosen → duration_chosen → confirmed → idle | awaiting_payment
//
// Cancel returns to idle from anywhere. Prices are recomputed from the
// catalog at every step; a stale quote from an earlier message can never be
// charged. The two payment branches have different failure contracts: the
// balance branch debits first and refunds on any later failure, the invoice
// branch mutates nothing until the processor's webhook settles.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/solvpn/solvpn/internal/idgen"
	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
	"github.com/solvpn/solvpn/internal/money"
	"github.com/solvpn/solvpn/internal/processor"
	"github.com/solvpn/solvpn/internal/provision"
	"github.com/solvpn/solvpn/internal/syncutil"
	"github.com/solvpn/solvpn/internal/traces"
)

var (
	ErrUnknownPlan     = errors.New("purchase: unknown plan")
	ErrUnknownDuration = errors.New("purchase: unknown duration")
	ErrInvalidInput    = errors.New("purchase: invalid input")
	ErrOutOfOrder      = errors.New("purchase: input out of order")
)

// Notifier pushes a message to the user's chat. The purchase flow uses it
// for completions that happen outside a conversation turn, like a plan
// invoice settling while the user is away.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Option is one tappable choice offered to the user.
type Option struct {
	Label string `json:"label"`
	Input string `json:"input"` // token to feed back into Advance
}

// Reply is a rendering instruction for the chat layer.
type Reply struct {
	Text    string          `json:"text"`
	Options []Option        `json:"options,omitempty"`
	PayURL  string          `json:"payUrl,omitempty"`
	Step    ledger.FlowStep `json:"step"`
}

// Flow executes the purchase conversation.
type Flow struct {
	catalog   *Catalog
	ledger    *ledger.Ledger
	invoices  invoice.Store
	processor processor.Client
	panel     provision.Client
	sublinks  provision.Store
	notifier  Notifier
	locks     *syncutil.ShardedMutex
	logger    *slog.Logger

	currency      string
	invoiceExpiry int
	topUps        []money.Amount
}

// Config wires a Flow.
type Config struct {
	Catalog       *Catalog
	Ledger        *ledger.Ledger
	Invoices      invoice.Store
	Processor     processor.Client
	Panel         provision.Client
	Sublinks      provision.Store
	Notifier      Notifier
	Logger        *slog.Logger
	Currency      string
	InvoiceExpiry int
	TopUpAmounts  []money.Amount
}

// New creates a purchase flow.
func New(cfg Config) *Flow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		catalog:       cfg.Catalog,
		ledger:        cfg.Ledger,
		invoices:      cfg.Invoices,
		processor:     cfg.Processor,
		panel:         cfg.Panel,
		sublinks:      cfg.Sublinks,
		notifier:      cfg.Notifier,
		locks:         &syncutil.ShardedMutex{},
		logger:        logger,
		currency:      cfg.Currency,
		invoiceExpiry: cfg.InvoiceExpiry,
		topUps:        cfg.TopUpAmounts,
	}
}

// Advance feeds one input token into the user's conversation and returns
// the next rendering instruction. Unknown tokens and out-of-order taps (a
// stale button from an earlier message) are rejected without mutation.
func (f *Flow) Advance(ctx context.Context, userID, input string) (*Reply, error) {
	user, err := f.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	action, arg, _ := strings.Cut(input, ":")
	switch action {
	case "cancel":
		return f.cancel(ctx, user)
	case "buy":
		return f.showRates(), nil
	case "rate":
		return f.chooseRate(ctx, user, arg)
	case "months":
		return f.chooseDuration(ctx, user, arg)
	case "confirm":
		return f.confirm(ctx, user)
	case "pay":
		return f.pay(ctx, user, arg)
	case "topup":
		return f.topUp(ctx, user, arg)
	default:
		return nil, ErrInvalidInput
	}
}

func (f *Flow) cancel(ctx context.Context, user *ledger.User) (*Reply, error) {
	if err := f.ledger.SaveFlowState(ctx, user.ID, ledger.FlowState{Step: ledger.StepIdle}); err != nil {
		return nil, err
	}
	return &Reply{Text: "Cancelled.", Step: ledger.StepIdle}, nil
}

// showRates renders the plan menu. It does not move the state machine:
// the transition happens when a rate is actually picked.
func (f *Flow) showRates() *Reply {
	r := &Reply{Text: "Choose a plan:", Step: ledger.StepIdle}
	for _, p := range f.catalog.Plans() {
		label := fmt.Sprintf("%s — %s/mo", p.Name, p.MonthlyPrice)
		r.Options = append(r.Options, Option{Label: label, Input: "rate:" + p.ID})
	}
	r.Options = append(r.Options, Option{Label: "Cancel", Input: "cancel"})
	return r
}

func (f *Flow) chooseRate(ctx context.Context, user *ledger.User, planID string) (*Reply, error) {
	plan, err := f.catalog.Plan(planID)
	if err != nil {
		return nil, err
	}
	st := ledger.FlowState{Step: ledger.StepRateChosen, PlanID: plan.ID}
	if err := f.ledger.SaveFlowState(ctx, user.ID, st); err != nil {
		return nil, err
	}

	r := &Reply{Text: fmt.Sprintf("%s. For how long?", plan.Name), Step: st.Step}
	for _, m := range f.catalog.Months() {
		total := plan.MonthlyPrice * money.Amount(m)
		r.Options = append(r.Options, Option{
			Label: fmt.Sprintf("%d mo — %s", m, total),
			Input: "months:" + strconv.Itoa(m),
		})
	}
	r.Options = append(r.Options, Option{Label: "Cancel", Input: "cancel"})
	return r, nil
}

func (f *Flow) chooseDuration(ctx context.Context, user *ledger.User, arg string) (*Reply, error) {
	if user.Flow.Step != ledger.StepRateChosen && user.Flow.Step != ledger.StepDurationChosen {
		return nil, ErrOutOfOrder
	}
	months, err := strconv.Atoi(arg)
	if err != nil {
		return nil, ErrInvalidInput
	}

	price, err := f.catalog.Price(user.Flow.PlanID, months)
	if err != nil {
		return nil, err
	}
	plan, _ := f.catalog.Plan(user.Flow.PlanID)

	st := ledger.FlowState{Step: ledger.StepDurationChosen, PlanID: plan.ID, Months: months}
	if err := f.ledger.SaveFlowState(ctx, user.ID, st); err != nil {
		return nil, err
	}
	return &Reply{
		Text: fmt.Sprintf("%s for %d months: %s. Confirm?", plan.Name, months, price),
		Options: []Option{
			{Label: "Confirm", Input: "confirm"},
			{Label: "Cancel", Input: "cancel"},
		},
		Step: st.Step,
	}, nil
}

func (f *Flow) confirm(ctx context.Context, user *ledger.User) (*Reply, error) {
	if user.Flow.Step != ledger.StepDurationChosen {
		return nil, ErrOutOfOrder
	}
	// Re-validate against the current catalog: plans or durations may have
	// changed since the quote was rendered.
	price, err := f.catalog.Price(user.Flow.PlanID, user.Flow.Months)
	if err != nil {
		return nil, err
	}

	st := ledger.FlowState{Step: ledger.StepConfirmed, PlanID: user.Flow.PlanID, Months: user.Flow.Months}
	if err := f.ledger.SaveFlowState(ctx, user.ID, st); err != nil {
		return nil, err
	}
	return &Reply{
		Text: fmt.Sprintf("Total %s. Balance: %s. How would you like to pay?", price, user.Balance),
		Options: []Option{
			{Label: "From balance", Input: "pay:balance"},
			{Label: "Payment link", Input: "pay:invoice"},
			{Label: "Cancel", Input: "cancel"},
		},
		Step: st.Step,
	}, nil
}

func (f *Flow) pay(ctx context.Context, user *ledger.User, method string) (*Reply, error) {
	if user.Flow.Step != ledger.StepConfirmed && user.Flow.Step != ledger.StepAwaitingPayment {
		return nil, ErrOutOfOrder
	}
	switch method {
	case "balance":
		return f.payFromBalance(ctx, user)
	case "invoice":
		return f.payWithInvoice(ctx, user)
	default:
		return nil, ErrInvalidInput
	}
}

// payFromBalance charges the account and provisions the subscription. The
// per-user lock serializes concurrent taps so the conditional debit and the
// provisioning call behave as one operation; any failure after the debit
// refunds it.
func (f *Flow) payFromBalance(ctx context.Context, user *ledger.User) (*Reply, error) {
	unlock := f.locks.Lock(user.ID)
	defer unlock()

	// The step guard in pay ran on a snapshot read before the lock. Re-read
	// here so a second tap queued behind the first finds the state already
	// consumed and is rejected instead of charging again.
	user, err := f.ledger.Get(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if user.Flow.Step != ledger.StepConfirmed && user.Flow.Step != ledger.StepAwaitingPayment {
		return nil, ErrOutOfOrder
	}

	price, err := f.catalog.Price(user.Flow.PlanID, user.Flow.Months)
	if err != nil {
		return nil, err
	}
	plan, _ := f.catalog.Plan(user.Flow.PlanID)

	if err := f.ledger.Debit(ctx, user.ID, price, ledger.EntryPurchase, plan.ID); err != nil {
		return nil, err
	}

	sub, err := f.provision(ctx, user, plan, user.Flow.Months)
	if err != nil {
		if refundErr := f.ledger.Credit(ctx, user.ID, price, ledger.EntryRefund, plan.ID); refundErr != nil {
			f.logger.Error("refund after provisioning failure",
				"user", user.ID, "amount", price, "error", refundErr)
		}
		return nil, err
	}

	if err := f.ledger.SaveFlowState(ctx, user.ID, ledger.FlowState{Step: ledger.StepIdle}); err != nil {
		f.logger.Warn("reset flow state after purchase", "user", user.ID, "error", err)
	}
	purchaseTotal.WithLabelValues("balance").Inc()
	return &Reply{
		Text: fmt.Sprintf("Done! Your connection link:\n%s", sub.URL),
		Step: ledger.StepIdle,
	}, nil
}

// payWithInvoice opens a pending plan invoice at the processor. Nothing is
// charged here: the reconciler credits the payment and completes the
// purchase when the processor's webhook arrives. Re-entrant: tapping again
// opens another invoice, only the one actually paid settles.
func (f *Flow) payWithInvoice(ctx context.Context, user *ledger.User) (*Reply, error) {
	price, err := f.catalog.Price(user.Flow.PlanID, user.Flow.Months)
	if err != nil {
		return nil, err
	}
	plan, _ := f.catalog.Plan(user.Flow.PlanID)

	desc := fmt.Sprintf("%s, %d months", plan.Name, user.Flow.Months)
	inv, err := f.openInvoice(ctx, user, invoice.PurposePlan, plan.ID, user.Flow.Months, price, desc)
	if err != nil {
		return nil, err
	}

	st := ledger.FlowState{Step: ledger.StepAwaitingPayment, PlanID: plan.ID, Months: user.Flow.Months}
	if err := f.ledger.SaveFlowState(ctx, user.ID, st); err != nil {
		f.logger.Warn("save awaiting-payment state", "user", user.ID, "error", err)
	}
	return &Reply{
		Text:   fmt.Sprintf("Pay %s via the link below. Access is granted as soon as the payment lands.", price),
		PayURL: inv.PayURL,
		Step:   st.Step,
	}, nil
}

func (f *Flow) topUp(ctx context.Context, user *ledger.User, arg string) (*Reply, error) {
	if arg == "" {
		r := &Reply{Text: "Top up by how much?", Step: user.Flow.Step}
		for _, a := range f.topUps {
			r.Options = append(r.Options, Option{Label: a.String(), Input: "topup:" + a.String()})
		}
		r.Options = append(r.Options, Option{Label: "Cancel", Input: "cancel"})
		return r, nil
	}

	amount, err := money.Parse(arg)
	if err != nil {
		return nil, ErrInvalidInput
	}
	allowed := false
	for _, a := range f.topUps {
		if a == amount {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidInput
	}

	inv, err := f.openInvoice(ctx, user, invoice.PurposeTopUp, "", 0, amount, "Balance top-up")
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text:   fmt.Sprintf("Pay %s via the link below. The balance updates automatically.", amount),
		PayURL: inv.PayURL,
		Step:   user.Flow.Step,
	}, nil
}

// openInvoice creates the pending row first, then asks the processor to
// host it. A processor failure leaves the row pending with no external ID:
// it can never settle, and costs nothing.
func (f *Flow) openInvoice(ctx context.Context, user *ledger.User, purpose invoice.Purpose, planID string, months int, amount money.Amount, desc string) (*invoice.Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.open_invoice",
		traces.UserID(user.ID), traces.Amount(amount.String()))
	defer span.End()

	inv := &invoice.Invoice{
		ID:       idgen.WithPrefix("inv_"),
		UserID:   user.ID,
		Platform: "cryptopay",
		Purpose:  purpose,
		PlanID:   planID,
		Months:   months,
		Amount:   amount,
		Status:   invoice.StatusPending,
	}
	if err := f.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}

	hosted, err := f.processor.CreateInvoice(ctx, processor.CreateRequest{
		InvoiceID:   inv.ID,
		Amount:      amount,
		Currency:    f.currency,
		Description: desc,
		ExpiresIn:   f.invoiceExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("open hosted invoice: %w", err)
	}
	if err := f.invoices.AttachExternal(ctx, inv.ID, hosted.ExternalID, hosted.PayURL); err != nil {
		f.logger.Error("attach external invoice", "invoice", inv.ID, "error", err)
	}
	inv.ExternalID = hosted.ExternalID
	inv.PayURL = hosted.PayURL
	invoiceOpenedTotal.WithLabelValues(string(purpose)).Inc()
	return inv, nil
}

// CompletePaid finishes a plan purchase whose invoice just settled as paid.
// The settlement credited the invoice amount, so the entitlement is paid
// for out of the balance here: every provisioned subscription has a
// matching debit entry. Called by the reconciler.
func (f *Flow) CompletePaid(ctx context.Context, inv *invoice.Invoice) error {
	ctx, span := traces.StartSpan(ctx, "purchase.complete_paid",
		traces.InvoiceID(inv.ID), traces.PlanID(inv.PlanID))
	defer span.End()

	user, err := f.ledger.Get(ctx, inv.UserID)
	if err != nil {
		return err
	}
	plan, err := f.catalog.Plan(inv.PlanID)
	if err != nil {
		return err
	}

	unlock := f.locks.Lock(user.ID)
	defer unlock()

	if err := f.ledger.Debit(ctx, user.ID, inv.Amount, ledger.EntryPurchase, inv.ID); err != nil {
		return err
	}
	sub, err := f.provision(ctx, user, plan, inv.Months)
	if err != nil {
		if refundErr := f.ledger.Credit(ctx, user.ID, inv.Amount, ledger.EntryRefund, inv.ID); refundErr != nil {
			f.logger.Error("refund after provisioning failure",
				"user", user.ID, "invoice", inv.ID, "error", refundErr)
		}
		return err
	}

	if err := f.ledger.SaveFlowState(ctx, user.ID, ledger.FlowState{Step: ledger.StepIdle}); err != nil {
		f.logger.Warn("reset flow state after paid invoice", "user", user.ID, "error", err)
	}
	purchaseTotal.WithLabelValues("invoice").Inc()

	// The conversation ended at the pay link; the connection link arrives as
	// a push message.
	if f.notifier != nil {
		text := fmt.Sprintf("Your subscription is ready! Connection link:\n%s", sub.URL)
		if err := f.notifier.Send(ctx, user.TelegramID, text); err != nil {
			f.logger.Warn("notify subscription ready", "user", user.ID, "error", err)
		}
	}
	return nil
}

// provision creates the panel subscription and mirrors it into a sublink
// row. Failing to persist the mirror fails the purchase: a subscription
// the system cannot show back to the user is treated as not provisioned.
func (f *Flow) provision(ctx context.Context, user *ledger.User, plan Plan, months int) (*provision.Sublink, error) {
	ent, err := f.panel.CreateEntitlement(ctx, user.TelegramID, months, plan.TrafficGB<<30)
	if err != nil {
		return nil, err
	}

	sub := &provision.Sublink{
		ID:           idgen.WithPrefix("sub_"),
		UserID:       user.ID,
		PlanID:       plan.ID,
		Username:     ent.Username,
		URL:          ent.ConnectionURL,
		ExpiresAt:    ent.ExpiresAt,
		TrafficLimit: ent.TrafficLimitBytes,
		TrafficUsed:  ent.TrafficUsedBytes,
		Status:       ent.Status,
	}
	if err := f.sublinks.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist sublink: %w", err)
	}
	return sub, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/solvpn/solvpn/internal/ledger"
	"github.com/solvpn/solvpn/internal/logging"
	"github.com/solvpn/solvpn/internal/metrics"
	"github.com/solvpn/solvpn/internal/processor"
	"github.com/solvpn/solvpn/internal/provision"
	"github.com/solvpn/solvpn/internal/purchase"
	"github.com/solvpn/solvpn/internal/referral"
	"github.com/solvpn/solvpn/internal/validation"
)

// chatUpdate is one relayed bot update. The bot transport is a thin shim:
// it forwards the sender's identity and either the message text or the
// tapped button's input token, and renders the reply it gets back.
type chatUpdate struct {
	TelegramID int64  `json:"telegramId" binding:"required"`
	Username   string `json:"username"`
	Name       string `json:"name"`
	Locale     string `json:"locale"`
	Input      string `json:"input" binding:"required"`
}

// chatUpdateHandler handles POST /v1/chat/updates.
//
// Every update registers the sender on first contact, then dispatches the
// input: commands ("/start", "balance", "subscription") are answered here,
// everything else feeds the purchase conversation. Upstream outages come
// back as a friendly retry reply with 200, not an error status: the bot
// shim has nothing useful to do with a 502.
func (s *Server) chatUpdateHandler(c *gin.Context) {
	var upd chatUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "telegramId and input are required",
		})
		return
	}
	if upd.TelegramID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_telegram_id",
			"message": "telegramId must be a positive integer",
		})
		return
	}
	upd.Username = validation.SanitizeString(upd.Username, 64)
	upd.Name = validation.SanitizeString(upd.Name, 128)
	upd.Locale = validation.SanitizeString(upd.Locale, 16)
	upd.Input = validation.SanitizeString(upd.Input, 256)

	ctx := c.Request.Context()
	user, created, err := s.ledger.Register(ctx, upd.TelegramID, upd.Username, upd.Name, upd.Locale)
	if err != nil {
		logging.L(ctx).Error("register user", "telegram_id", upd.TelegramID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}
	if created {
		metrics.RegisteredUsers.Inc()
	}

	cmd, arg, _ := strings.Cut(upd.Input, " ")
	switch cmd {
	case "/start":
		s.handleStart(c, user, arg)
		return
	case "balance":
		c.JSON(http.StatusOK, gin.H{
			"user": user,
			"reply": purchase.Reply{
				Text: fmt.Sprintf("Your balance: %s %s.", user.Balance, s.cfg.ProcessorCurrency),
				Options: []purchase.Option{
					{Label: "Top up", Input: "topup"},
					{Label: "Buy a plan", Input: "buy"},
				},
				Step: user.Flow.Step,
			},
		})
		return
	case "subscription":
		s.handleSubscription(c, user)
		return
	}

	reply, err := s.flow.Advance(ctx, user.ID, upd.Input)
	if err != nil {
		s.replyFlowError(c, user, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "reply": reply})
}

// handleStart greets the sender and, when the deep-link argument carries a
// referral code, attaches them to the code's owner. Self-referrals and
// repeat links are silently ignored; the owner is told about each new
// signup exactly once.
func (s *Server) handleStart(c *gin.Context, user *ledger.User, code string) {
	ctx := c.Request.Context()

	if code != "" {
		if ownerTelegramID, err := referral.DecodeCode(code); err == nil && ownerTelegramID != user.TelegramID {
			owner, err := s.ledger.ByTelegramID(ctx, ownerTelegramID)
			if err == nil {
				linked, err := s.referrals.Link(ctx, owner.ID, user.ID, user.Name)
				if err != nil {
					logging.L(ctx).Error("link referral", "owner", owner.ID, "referred", user.ID, "error", err)
				} else if linked {
					text := fmt.Sprintf("New referral signup: %s. You earn %d%% of their payments.",
						displayName(user), s.referrals.Percent())
					if err := s.notifier.Send(ctx, owner.TelegramID, text); err != nil {
						logging.L(ctx).Warn("notify referrer", "owner", owner.ID, "error", err)
					}
				}
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"user": user,
		"reply": purchase.Reply{
			Text: "Welcome! Pick a plan to get connected, or top up your balance first.",
			Options: []purchase.Option{
				{Label: "Buy a plan", Input: "buy"},
				{Label: "Top up", Input: "topup"},
				{Label: "Balance", Input: "balance"},
			},
			Step: user.Flow.Step,
		},
	})
}

func (s *Server) handleSubscription(c *gin.Context, user *ledger.User) {
	ctx := c.Request.Context()
	subs, err := s.sublinks.ListByUser(ctx, user.ID)
	if err != nil {
		logging.L(ctx).Error("list sublinks", "user", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}
	s.refreshSublinks(ctx, user, subs)

	reply := purchase.Reply{Step: user.Flow.Step}
	if len(subs) == 0 {
		reply.Text = "You have no active subscriptions yet."
		reply.Options = []purchase.Option{{Label: "Buy a plan", Input: "buy"}}
	} else {
		var b strings.Builder
		b.WriteString("Your subscriptions:\n")
		for _, sub := range subs {
			fmt.Fprintf(&b, "%s — %s, until %s\n%s\n",
				sub.Username, sub.Status, sub.ExpiresAt.Format("2006-01-02"), sub.URL)
		}
		reply.Text = strings.TrimRight(b.String(), "\n")
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "reply": reply})
}

// refreshSublinks pulls current entitlement state from the panel and
// mirrors it into the stored rows. Best effort: a panel outage just shows
// the last known state. Rows are never deleted; expiry is a status.
func (s *Server) refreshSublinks(ctx context.Context, user *ledger.User, subs []*provision.Sublink) {
	if len(subs) == 0 {
		return
	}
	ents, err := s.panel.GetByTelegramID(ctx, user.TelegramID)
	if err != nil {
		logging.L(ctx).Warn("refresh entitlements", "user", user.ID, "error", err)
		return
	}
	byUsername := make(map[string]*provision.Entitlement, len(ents))
	for _, ent := range ents {
		byUsername[ent.Username] = ent
	}
	for _, sub := range subs {
		ent, ok := byUsername[sub.Username]
		if !ok {
			continue
		}
		if ent.Status == sub.Status && ent.TrafficUsedBytes == sub.TrafficUsed && ent.ExpiresAt.Equal(sub.ExpiresAt) {
			continue
		}
		if err := s.sublinks.UpdateStatus(ctx, sub.ID, ent.Status, ent.TrafficUsedBytes, ent.ExpiresAt); err != nil {
			logging.L(ctx).Warn("update sublink status", "sublink", sub.ID, "error", err)
			continue
		}
		sub.Status = ent.Status
		sub.TrafficUsed = ent.TrafficUsedBytes
		sub.ExpiresAt = ent.ExpiresAt
	}
}

// replyFlowError maps purchase flow failures onto chat replies. Bad input
// is the user's problem (400); a short balance or a down upstream gets a
// helpful 200 reply so the conversation continues.
func (s *Server) replyFlowError(c *gin.Context, user *ledger.User, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, purchase.ErrInvalidInput),
		errors.Is(err, purchase.ErrUnknownPlan),
		errors.Is(err, purchase.ErrUnknownDuration):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Unrecognized input for this conversation",
		})
	case errors.Is(err, purchase.ErrOutOfOrder):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "out_of_order",
			"message": "That button belongs to an earlier step",
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusOK, gin.H{
			"user": user,
			"reply": purchase.Reply{
				Text: "Not enough balance. Top up or pay with a payment link.",
				Options: []purchase.Option{
					{Label: "Top up", Input: "topup"},
					{Label: "Payment link", Input: "pay:invoice"},
					{Label: "Cancel", Input: "cancel"},
				},
				Step: user.Flow.Step,
			},
		})
	case errors.Is(err, processor.ErrProcessorUnavailable),
		errors.Is(err, provision.ErrPanelUnavailable):
		logging.L(ctx).Error("upstream unavailable", "user", user.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{
			"user": user,
			"reply": purchase.Reply{
				Text: "Something went wrong on our side. Please try again in a minute.",
				Step: user.Flow.Step,
			},
		})
	default:
		logging.L(ctx).Error("advance purchase flow", "user", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process input",
		})
	}
}

func displayName(u *ledger.User) string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("user %d", u.TelegramID)
}

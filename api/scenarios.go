/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built referral networks that populate the store with
  realistic data for demos. Each scenario registers users through the
  engine and runs purchases, so every number on screen went through the
  real commission path.

AVAILABLE SCENARIOS:
  three-generations: U1 <- U2 <- U3, U3 buys 2000 (L1 100.00, L2 20.00)
  full-referrer:     One referrer holding all of its direct slots
  busy-network:      Root, 3 referrers, 2 referrals each, mixed purchases

HOW SCENARIOS WORK:
  1. Register users through Engine.RegisterUser (fresh suffix per load)
  2. Link them with referral codes
  3. Process purchases through Engine.ProcessPurchase

  Loading twice creates a second, independent network; nothing is reset.
  Every demo user gets DemoPassword.

USAGE VIA API:
  GET  /api/admin/scenarios
  POST /api/admin/scenarios/load
  {"scenario_id": "three-generations"}

SEE ALSO:
  - handlers.go: Admin endpoints
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
	"go.uber.org/zap"
)

// DemoPassword is the login password of every scenario user.
const DemoPassword = "demo-password"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioResult struct {
	Scenario string    `json:"scenario"`
	Users    []UserDTO `json:"users"`
	Password string    `json:"password"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "three-generations",
		Name:        "Three Generations",
		Description: "U3 buys 2000: U2 earns 100.00 at level 1, U1 earns 20.00 at level 2",
	},
	{
		ID:          "full-referrer",
		Name:        "Full Referrer",
		Description: "A referrer whose direct slots are all taken",
	},
	{
		ID:          "busy-network",
		Name:        "Busy Network",
		Description: "Root, three referrers with two referrals each, purchases above and below the minimum",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hash, err := HashPassword(DemoPassword)
	if err != nil {
		h.internalError(w, r, "hash demo password", err)
		return
	}
	l := &scenarioLoader{engine: h.Engine, hash: hash, suffix: uuid.NewString()[:6]}

	ctx := r.Context()
	switch req.ScenarioID {
	case "three-generations":
		err = l.threeGenerations(ctx)
	case "full-referrer":
		err = l.fullReferrer(ctx)
	case "busy-network":
		err = l.busyNetwork(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID), zap.Int("users", len(l.users)))
	res := ScenarioResult{Scenario: req.ScenarioID, Password: DemoPassword, Users: make([]UserDTO, 0, len(l.users))}
	for _, id := range l.users {
		u, err := h.Engine.Store().GetUser(ctx, id)
		if err != nil {
			h.internalError(w, r, "reload scenario user", err)
			return
		}
		res.Users = append(res.Users, toUserDTO(u, h.scale()))
	}
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenarioLoader struct {
	engine *referral.Engine
	hash   string
	suffix string
	users  []referral.UserID
}

func (l *scenarioLoader) user(ctx context.Context, name string, referrer *referral.User) (referral.User, error) {
	username := name + "-" + l.suffix
	reg := referral.Registration{
		Username:     username,
		Email:        username + "@demo.local",
		PasswordHash: l.hash,
	}
	if referrer != nil {
		reg.ReferralCode = referrer.ReferralCode
	}
	u, err := l.engine.RegisterUser(ctx, reg)
	if err != nil {
		return referral.User{}, fmt.Errorf("register %s: %w", name, err)
	}
	l.users = append(l.users, u.ID)
	return u, nil
}

func (l *scenarioLoader) buy(ctx context.Context, u referral.User, amount string, desc string) error {
	_, err := l.engine.ProcessPurchase(ctx, referral.PurchaseRequest{
		UserID:      u.ID,
		Amount:      decimal.RequireFromString(amount),
		Description: desc,
	})
	if err != nil {
		return fmt.Errorf("purchase by %s: %w", u.Username, err)
	}
	return nil
}

func (l *scenarioLoader) threeGenerations(ctx context.Context) error {
	u1, err := l.user(ctx, "u1", nil)
	if err != nil {
		return err
	}
	u2, err := l.user(ctx, "u2", &u1)
	if err != nil {
		return err
	}
	u3, err := l.user(ctx, "u3", &u2)
	if err != nil {
		return err
	}
	return l.buy(ctx, u3, "2000", "Annual plan")
}

func (l *scenarioLoader) fullReferrer(ctx context.Context) error {
	ref, err := l.user(ctx, "referrer", nil)
	if err != nil {
		return err
	}
	for i := 1; i <= l.engine.Config().MaxDirectReferrals; i++ {
		u, err := l.user(ctx, fmt.Sprintf("referral%d", i), &ref)
		if err != nil {
			return err
		}
		if err := l.buy(ctx, u, "1000", "Starter plan"); err != nil {
			return err
		}
	}
	return nil
}

func (l *scenarioLoader) busyNetwork(ctx context.Context) error {
	root, err := l.user(ctx, "root", nil)
	if err != nil {
		return err
	}
	amounts := []string{"1000", "999", "2500.50", "1500", "400", "1200"}
	n := 0
	for i := 1; i <= 3; i++ {
		mid, err := l.user(ctx, fmt.Sprintf("referrer%d", i), &root)
		if err != nil {
			return err
		}
		if err := l.buy(ctx, mid, "1800", "Team plan"); err != nil {
			return err
		}
		for j := 1; j <= 2; j++ {
			leaf, err := l.user(ctx, fmt.Sprintf("member%d-%d", i, j), &mid)
			if err != nil {
				return err
			}
			if err := l.buy(ctx, leaf, amounts[n], "Plan"); err != nil {
				return err
			}
			n++
		}
	}
	return nil
}

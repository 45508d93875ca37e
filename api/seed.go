/*
seed.go - Demo data for development and demonstrations

PURPOSE:

	Populates an empty database with two supplier organizations, government
	and supplier users, notification subscriptions, and an opening unit
	balance issued by the director. Prints a bearer token per user so the
	API can be exercised straight away.

DEMO USERS:

	supplier-a     Supplier + SigningAuthority of org-a
	supplier-b     Supplier + SigningAuthority of org-b
	analyst        Analyst
	manager        ComplianceManager
	director       Director
	admin          Administrator

HOW SEEDING WORKS:
 1. Skip if org-a already exists
 2. Save organizations
 3. Subscribe every user to the in-app types of its role
 4. Issue 10000 units to org-a and 2500 units to org-b

NOTE:

	Only use in development/demo environments. Enable with -seed.

SEE ALSO:
  - auth.go: TokenService.Issue
  - transfers/service.go: Issue
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/transfers"
)

// DemoUser is a seeded principal with a ready-to-use token.
type DemoUser struct {
	Name      string
	Principal compliance.Principal
	Token     string
}

// =============================================================================
// SEED DEFINITIONS
// =============================================================================

var demoOrganizations = []compliance.Organization{
	{
		ID:                "org-a",
		Name:              "Cascade Fuels Ltd.",
		OperatingName:     "Cascade Fuels",
		Email:             "compliance@cascadefuels.example",
		Phone:             "+1 604 687 2000",
		ServiceAddress:    "100 Main St, Vancouver, BC V6B 1A1",
		RecordsAddress:    "100 Main St, Vancouver, BC V6B 1A1",
		HeadOfficeAddress: "100 Main St, Vancouver, BC V6B 1A1",
	},
	{
		ID:                "org-b",
		Name:              "Northern Renewables Inc.",
		OperatingName:     "Northern Renewables",
		Email:             "reports@northernrenewables.example",
		Phone:             "+1 250 614 7000",
		ServiceAddress:    "20 Fraser Ave, Prince George, BC V2L 3C4",
		RecordsAddress:    "20 Fraser Ave, Prince George, BC V2L 3C4",
		HeadOfficeAddress: "1 Bay St, Toronto, ON M5J 2R8",
	},
}

var demoUsers = []DemoUser{
	{Name: "supplier-a", Principal: compliance.Principal{UserID: "supplier-a", OrganizationID: "org-a",
		Roles: []compliance.Role{compliance.RoleSupplier, compliance.RoleSigningAuthority}}},
	{Name: "supplier-b", Principal: compliance.Principal{UserID: "supplier-b", OrganizationID: "org-b",
		Roles: []compliance.Role{compliance.RoleSupplier, compliance.RoleSigningAuthority}}},
	{Name: "analyst", Principal: compliance.Principal{UserID: "analyst", Roles: []compliance.Role{compliance.RoleAnalyst}}},
	{Name: "manager", Principal: compliance.Principal{UserID: "manager", Roles: []compliance.Role{compliance.RoleComplianceManager}}},
	{Name: "director", Principal: compliance.Principal{UserID: "director", Roles: []compliance.Role{compliance.RoleDirector}}},
	{Name: "admin", Principal: compliance.Principal{UserID: "admin", Roles: []compliance.Role{compliance.RoleAdministrator}}},
}

var roleSubscriptions = map[compliance.Role][]compliance.NotificationType{
	compliance.RoleSupplier: {
		compliance.NotifySupplierAssessment,
		compliance.NotifySupplierReturned,
		compliance.NotifySupplierReassessmentOpened,
		compliance.NotifyTransferPartnerAction,
		compliance.NotifyTransferDirectorDecision,
		compliance.NotifySupplierGovernmentIssuance,
	},
	compliance.RoleAnalyst: {
		compliance.NotifyAnalystSubmitted,
		compliance.NotifyAnalystManagerReturned,
		compliance.NotifyAnalystDirectorDecision,
		compliance.NotifyAnalystSupplemental,
		compliance.NotifyAnalystTransferSubmitted,
		compliance.NotifyAnalystTransferDecision,
		compliance.NotifyAnalystGovernmentIssuance,
	},
	compliance.RoleComplianceManager: {
		compliance.NotifyManagerAnalystRecommended,
		compliance.NotifyManagerDirectorReturned,
		compliance.NotifyManagerDirectorDecision,
	},
	compliance.RoleDirector: {
		compliance.NotifyDirectorManagerRecommended,
		compliance.NotifyDirectorTransferReview,
	},
}

var openingBalances = map[compliance.OrganizationID]int64{
	"org-a": 10000,
	"org-b": 2500,
}

// =============================================================================
// SEEDING
// =============================================================================

// Seed loads the demo data unless it is already present and returns the demo
// users with signed tokens.
func Seed(ctx context.Context, h *Handler, tokens *TokenService, ttl time.Duration) ([]DemoUser, error) {
	_, err := h.Store.GetOrganization(ctx, demoOrganizations[0].ID)
	switch {
	case err == nil:
		h.Log.Info("demo data already present")
	case compliance.IsNotFound(err):
		if err := h.seed(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("check demo data: %w", err)
	}

	users := make([]DemoUser, len(demoUsers))
	for i, u := range demoUsers {
		tok, err := tokens.Issue(u.Principal, ttl)
		if err != nil {
			return nil, fmt.Errorf("sign token for %s: %w", u.Name, err)
		}
		u.Token = tok
		users[i] = u
	}
	return users, nil
}

func (h *Handler) seed(ctx context.Context) error {
	now := h.Now().UTC()
	for _, org := range demoOrganizations {
		org.CreatedAt = now
		if err := h.Store.SaveOrganization(ctx, org); err != nil {
			return fmt.Errorf("save organization %s: %w", org.ID, err)
		}
	}

	for _, u := range demoUsers {
		for _, role := range u.Principal.Roles {
			for _, nt := range roleSubscriptions[role] {
				err := h.Store.SaveSubscription(ctx, compliance.Subscription{
					ID:             fmt.Sprintf("sub-%s-%s", u.Name, nt),
					UserID:         u.Principal.UserID,
					OrganizationID: u.Principal.OrganizationID,
					Role:           role,
					Type:           nt,
					Channel:        compliance.ChannelInApp,
				})
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", u.Name, err)
				}
			}
		}
	}

	director := demoUsers[4].Principal
	for _, org := range demoOrganizations {
		_, err := h.Transfers.Issue(ctx, director, transfers.IssueRequest{
			Source:         compliance.SourceInitiativeAgreement,
			OrganizationID: org.ID,
			Units:          decimal.NewFromInt(openingBalances[org.ID]),
			EffectiveAt:    now,
			Note:           "Opening balance",
		})
		if err != nil {
			return fmt.Errorf("issue opening balance for %s: %w", org.ID, err)
		}
	}

	h.Log.WithField("organizations", len(demoOrganizations)).Info("demo data loaded")
	return nil
}

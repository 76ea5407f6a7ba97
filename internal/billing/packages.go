package billing

import "github.com/reelforge/backend/internal/models"

// catalog is the source of truth for purchasable token amounts. Webhook
// events carry a package id and the amount is resolved here, never taken
// from the event payload.
var catalog = []models.TokenPackage{
	{ID: "starter", Name: "Starter", Tokens: 100, PriceCents: 499},
	{ID: "creator", Name: "Creator", Tokens: 550, PriceCents: 1999},
	{ID: "studio", Name: "Studio", Tokens: 1500, PriceCents: 4999},
}

func packageByID(id string) (models.TokenPackage, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return models.TokenPackage{}, false
}

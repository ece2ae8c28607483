package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
)

// requestFlags binds the scope, filter and tier of an order request.
type requestFlags struct {
	partner    string
	locality   string
	district   string
	postalCode string
	industry   string
	category   string
	text       string
	tier       string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.partner, "partner", "", "partner id")
	fl.StringVar(&f.locality, "locality", "", "scope: locality id")
	fl.StringVar(&f.district, "district", "", "scope: district id")
	fl.StringVar(&f.postalCode, "postal-code", "", "scope: postal code")
	fl.StringVar(&f.industry, "industry", "", "filter: industry code")
	fl.StringVar(&f.category, "category", "", "filter: external category id")
	fl.StringVar(&f.text, "text", "", "filter: free-text search term")
	fl.StringVar(&f.tier, "tier", string(model.TierStandard), "quality tier: STANDARD, PREMIUM or KOMPLETT")
	_ = cmd.MarkFlagRequired("partner")
}

// request builds the order request. Scope and filter cardinality is left
// to order.Request.Validate.
func (f *requestFlags) request() (order.Request, error) {
	tier, err := model.ParseTier(f.tier)
	if err != nil {
		return order.Request{}, err
	}
	return order.Request{
		PartnerID: f.partner,
		Scope: model.Scope{
			LocalityID: f.locality,
			DistrictID: f.district,
			PostalCode: f.postalCode,
		},
		Filter: model.Filter{
			IndustryCode: f.industry,
			CategoryID:   f.category,
			Text:         f.text,
		},
		Tier: tier,
	}, nil
}

package payments

import (
	"context"
	"fmt"
)

// LinkToken starts the bank linking flow in the client application.
type LinkToken struct {
	Token      string `json:"link_token"`
	Expiration string `json:"expiration"`
}

// Linkage is the result of exchanging a public token.
type Linkage struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
}

// Balance is an account balance in the account currency.
type Balance struct {
	AccountID string   `json:"account_id"`
	Available *float64 `json:"available"`
	Current   *float64 `json:"current"`
	Currency  string   `json:"iso_currency_code"`
}

// CreateLinkToken issues a link token for the given user.
func (c *Client) CreateLinkToken(ctx context.Context, clientUserID, clientName string) (*LinkToken, error) {
	var resp LinkToken
	if err := c.call(ctx, "/link/token/create", map[string]interface{}{
		"user":          map[string]string{"client_user_id": clientUserID},
		"client_name":   clientName,
		"products":      []string{"auth", "transfer"},
		"language":      "en",
		"country_codes": []string{"US"},
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("%w: empty link token", ErrInvalidResponse)
	}
	return &resp, nil
}

// ExchangePublicToken swaps the public token from the link flow for a
// long-lived access token.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*Linkage, error) {
	var resp Linkage
	if err := c.call(ctx, "/item/public_token/exchange", map[string]interface{}{
		"public_token": publicToken,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrInvalidResponse)
	}
	return &resp, nil
}

// Balances returns live balances for every account of the linked item.
func (c *Client) Balances(ctx context.Context, accessToken string) ([]Balance, error) {
	var resp struct {
		Accounts []struct {
			AccountID string `json:"account_id"`
			Balances  struct {
				Available *float64 `json:"available"`
				Current   *float64 `json:"current"`
				Currency  string   `json:"iso_currency_code"`
			} `json:"balances"`
		} `json:"accounts"`
	}
	if err := c.call(ctx, "/accounts/balance/get", map[string]interface{}{
		"access_token": accessToken,
	}, &resp); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		balances = append(balances, Balance{
			AccountID: a.AccountID,
			Available: a.Balances.Available,
			Current:   a.Balances.Current,
			Currency:  a.Balances.Currency,
		})
	}
	return balances, nil
}

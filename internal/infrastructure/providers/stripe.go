package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

const stripePageSize = 100

// Stripe reads charges of a Connect account. Amounts arrive as integers
// in minor units.
type Stripe struct {
	oauthClient
}

func NewStripe(endpoint Endpoint, httpClient *http.Client) *Stripe {
	return &Stripe{oauthClient{name: StripeName, endpoint: endpoint, httpClient: httpClient}}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) CredentialNames() (string, string) {
	return credential.StripeClientID, credential.StripeClientSecret
}

// Exchange keeps stripe_user_id, the connected account id, on the token.
func (s *Stripe) Exchange(ctx context.Context, creds connection.ClientCredentials, code, redirectURI string) (*connection.Token, error) {
	tok, err := s.exchange(ctx, creds, code, redirectURI)
	if err != nil {
		return nil, err
	}
	t := toToken(tok)
	t.AccountID = extraString(tok, "stripe_user_id")
	return t, nil
}

func (s *Stripe) Refresh(ctx context.Context, creds connection.ClientCredentials, refreshToken string) (*connection.Token, error) {
	tok, err := s.refresh(ctx, creds, refreshToken)
	if err != nil {
		return nil, err
	}
	return toToken(tok), nil
}

type stripeAccount struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	BusinessProfile struct {
		Name string `json:"name"`
	} `json:"business_profile"`
	Settings struct {
		Dashboard struct {
			DisplayName string `json:"display_name"`
		} `json:"dashboard"`
	} `json:"settings"`
}

func (s *Stripe) Account(ctx context.Context, token *connection.Token) (*connection.Account, error) {
	body, err := s.getJSON(ctx, token.AccessToken, "/account", nil, apperr.KindBankConnection)
	if err != nil {
		return nil, err
	}
	var acc stripeAccount
	if err := json.Unmarshal(body, &acc); err != nil {
		return nil, apperr.Wrap(apperr.KindBankConnection, err, "unexpected account response")
	}
	return &connection.Account{
		ExternalID: firstNonEmpty(token.AccountID, acc.ID),
		Name:       firstNonEmpty(acc.Settings.Dashboard.DisplayName, acc.BusinessProfile.Name, acc.Email),
	}, nil
}

type stripeList struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// FetchTransactions lists succeeded charges created in [from, to], paging
// with starting_after.
func (s *Stripe) FetchTransactions(ctx context.Context, conn *connection.Connection, from, to time.Time) ([]transaction.ProviderTransaction, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(stripePageSize))
	if !from.IsZero() {
		query.Set("created[gte]", strconv.FormatInt(from.UTC().Unix(), 10))
	}
	if !to.IsZero() {
		// Inclusive of the whole "to" day.
		end := to.UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second)
		query.Set("created[lte]", strconv.FormatInt(end.Unix(), 10))
	}

	var out []transaction.ProviderTransaction
	for page := 0; page < maxPages; page++ {
		body, err := s.getJSON(ctx, conn.AccessToken, "/charges", query, apperr.KindTransactionFetch)
		if err != nil {
			return nil, err
		}
		var list stripeList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, apperr.Wrap(apperr.KindTransactionFetch, err, "malformed charge list")
		}

		lastID := ""
		for _, raw := range list.Data {
			var hdr objectHeader
			if err := json.Unmarshal(raw, &hdr); err == nil {
				lastID = hdr.ID
			}
			if hdr.Status != "" && hdr.Status != "succeeded" {
				continue
			}
			item, err := s.NormalizeTransaction(raw)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindTransactionFetch, err, "malformed charge")
			}
			if item.AccountID == "" {
				item.AccountID = conn.ExternalAccountID
			}
			out = append(out, item)
		}

		if !list.HasMore || lastID == "" {
			return out, nil
		}
		query.Set("starting_after", lastID)
	}
	return out, nil
}

type objectHeader struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeCharge struct {
	ID                  string            `json:"id"`
	Amount              int64             `json:"amount"`
	Currency            string            `json:"currency"`
	Description         string            `json:"description"`
	StatementDescriptor string            `json:"statement_descriptor"`
	ReceiptNumber       string            `json:"receipt_number"`
	Created             int64             `json:"created"`
	Metadata            map[string]string `json:"metadata"`
	BillingDetails      struct {
		Name string `json:"name"`
	} `json:"billing_details"`
}

// NormalizeTransaction maps a charge object, listed or pushed by webhook.
// The invoice reference is taken from metadata when the merchant set one.
func (s *Stripe) NormalizeTransaction(data json.RawMessage) (transaction.ProviderTransaction, error) {
	var ch stripeCharge
	if err := json.Unmarshal(data, &ch); err != nil {
		return transaction.ProviderTransaction{}, err
	}
	if ch.Created == 0 {
		return transaction.ProviderTransaction{}, apperr.New(apperr.KindValidation, "charge has no creation time")
	}

	description := ch.Description
	if ch.BillingDetails.Name != "" {
		description = strings.TrimSpace(description + " " + ch.BillingDetails.Name)
	}

	return transaction.ProviderTransaction{
		ProviderTransactionID: ch.ID,
		Amount:                fromMinorUnits(ch.Amount, ch.Currency),
		Currency:              strings.ToUpper(ch.Currency),
		Description:           description,
		Reference: firstNonEmpty(
			ch.Metadata["invoice_id"], ch.Metadata["invoice"], ch.Metadata["reference"],
			ch.StatementDescriptor, ch.ReceiptNumber,
		),
		OccurredAt: time.Unix(ch.Created, 0).UTC(),
	}, nil
}

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

const maxPages = 100

// GoCardless reads bank account transactions. Amounts arrive as decimal
// strings in major units.
type GoCardless struct {
	oauthClient
}

func NewGoCardless(endpoint Endpoint, httpClient *http.Client) *GoCardless {
	return &GoCardless{oauthClient{name: GoCardlessName, endpoint: endpoint, httpClient: httpClient}}
}

func (g *GoCardless) Name() string { return GoCardlessName }

func (g *GoCardless) CredentialNames() (string, string) {
	return credential.GoCardlessClientID, credential.GoCardlessClientSecret
}

func (g *GoCardless) Exchange(ctx context.Context, creds connection.ClientCredentials, code, redirectURI string) (*connection.Token, error) {
	tok, err := g.exchange(ctx, creds, code, redirectURI)
	if err != nil {
		return nil, err
	}
	t := toToken(tok)
	t.AccountID = firstNonEmpty(extraString(tok, "account_id"), extraString(tok, "organisation_id"))
	return t, nil
}

func (g *GoCardless) Refresh(ctx context.Context, creds connection.ClientCredentials, refreshToken string) (*connection.Token, error) {
	tok, err := g.refresh(ctx, creds, refreshToken)
	if err != nil {
		return nil, err
	}
	return toToken(tok), nil
}

type gcAccount struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerName string `json:"owner_name"`
	IBAN      string `json:"iban"`
}

// Account picks the account named by the token, or the first one listed.
func (g *GoCardless) Account(ctx context.Context, token *connection.Token) (*connection.Account, error) {
	body, err := g.getJSON(ctx, token.AccessToken, "/accounts", nil, apperr.KindBankConnection)
	if err != nil {
		return nil, err
	}
	items, err := ExtractItems(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBankConnection, err, "unexpected accounts response")
	}

	var chosen *gcAccount
	for _, raw := range items {
		var acc gcAccount
		if err := json.Unmarshal(raw, &acc); err != nil || acc.ID == "" {
			continue
		}
		if token.AccountID == "" || acc.ID == token.AccountID {
			chosen = &acc
			break
		}
	}
	if chosen == nil {
		if token.AccountID != "" {
			return &connection.Account{ExternalID: token.AccountID}, nil
		}
		return nil, apperr.Upstream(apperr.KindBankConnection, GoCardlessName, 0, nil, "no accessible account")
	}
	return &connection.Account{
		ExternalID: chosen.ID,
		Name:       firstNonEmpty(chosen.Name, chosen.OwnerName, chosen.IBAN),
	}, nil
}

type gcPage struct {
	Meta struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
	} `json:"meta"`
}

// FetchTransactions follows the "after" cursor until it runs out.
func (g *GoCardless) FetchTransactions(ctx context.Context, conn *connection.Connection, from, to time.Time) ([]transaction.ProviderTransaction, error) {
	path := "/accounts/" + url.PathEscape(conn.ExternalAccountID) + "/transactions"
	query := url.Values{}
	if !from.IsZero() {
		query.Set("date_from", from.UTC().Format(time.DateOnly))
	}
	if !to.IsZero() {
		query.Set("date_to", to.UTC().Format(time.DateOnly))
	}

	var out []transaction.ProviderTransaction
	for page := 0; page < maxPages; page++ {
		body, err := g.getJSON(ctx, conn.AccessToken, path, query, apperr.KindTransactionFetch)
		if err != nil {
			return nil, err
		}
		items, err := ExtractItems(body)
		if err != nil {
			return nil, err
		}
		for _, raw := range items {
			item, err := g.NormalizeTransaction(raw)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindTransactionFetch, err, "malformed transaction")
			}
			if item.AccountID == "" {
				item.AccountID = conn.ExternalAccountID
			}
			out = append(out, item)
		}

		var meta gcPage
		if json.Unmarshal(body, &meta) != nil || meta.Meta.Cursors.After == "" {
			return out, nil
		}
		query.Set("after", meta.Meta.Cursors.After)
	}
	return out, nil
}

type gcAmount struct {
	Amount   json.RawMessage `json:"amount"`
	Currency string          `json:"currency"`
}

type gcTransaction struct {
	ID                    string          `json:"id"`
	TransactionID         string          `json:"transactionId"`
	InternalTransactionID string          `json:"internalTransactionId"`
	Amount                json.RawMessage `json:"amount"`
	Currency              string          `json:"currency"`
	TransactionAmount     *gcAmount       `json:"transactionAmount"`
	Description           string          `json:"description"`
	Remittance            string          `json:"remittanceInformationUnstructured"`
	CreditorName          string          `json:"creditorName"`
	DebtorName            string          `json:"debtorName"`
	Reference             string          `json:"reference"`
	EndToEndID            string          `json:"endToEndId"`
	Date                  string          `json:"date"`
	BookingDate           string          `json:"bookingDate"`
	ValueDate             string          `json:"valueDate"`
	CreatedAt             string          `json:"created_at"`
	ChargeDate            string          `json:"charge_date"`
	AccountID             string          `json:"account_id"`
}

// NormalizeTransaction maps one GoCardless item, from a listing or a
// webhook, to the canonical shape.
func (g *GoCardless) NormalizeTransaction(data json.RawMessage) (transaction.ProviderTransaction, error) {
	var raw gcTransaction
	if err := json.Unmarshal(data, &raw); err != nil {
		return transaction.ProviderTransaction{}, err
	}

	amountRaw, currency := raw.Amount, raw.Currency
	if raw.TransactionAmount != nil {
		amountRaw, currency = raw.TransactionAmount.Amount, raw.TransactionAmount.Currency
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		return transaction.ProviderTransaction{}, err
	}
	occurred, err := parseDate(raw.Date, raw.BookingDate, raw.ValueDate, raw.ChargeDate, raw.CreatedAt)
	if err != nil {
		return transaction.ProviderTransaction{}, err
	}

	return transaction.ProviderTransaction{
		ProviderTransactionID: firstNonEmpty(raw.ID, raw.TransactionID, raw.InternalTransactionID),
		Amount:                amount,
		Currency:              currency,
		Description:           firstNonEmpty(raw.Description, raw.Remittance, raw.DebtorName, raw.CreditorName),
		Reference:             firstNonEmpty(raw.Reference, raw.EndToEndID, raw.Remittance),
		OccurredAt:            occurred,
		AccountID:             raw.AccountID,
	}, nil
}

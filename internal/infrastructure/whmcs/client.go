// Package whmcs talks to the WHMCS external API, the invoice source every
// tenant reconciles against.
package whmcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

const (
	sourceName       = "whmcs"
	apiPath          = "/includes/api.php"
	pageSize         = 250
	maxResponseBytes = 10 << 20
	paymentDateFmt   = "2006-01-02 15:04:05"
	// balanceLookups bounds concurrent GetInvoice calls while listing.
	balanceLookups = 4
)

// Client implements invoice.Source with the credentials stored for each
// tenant.
type Client struct {
	creds      credential.Provider
	httpClient *http.Client
	// gateways maps provider names to WHMCS payment gateway module names.
	gateways map[string]string
}

var _ invoice.Source = (*Client)(nil)

func NewClient(creds credential.Provider, httpClient *http.Client, gateways map[string]string) *Client {
	if gateways == nil {
		gateways = map[string]string{}
	}
	return &Client{creds: creds, httpClient: httpClient, gateways: gateways}
}

type envelope struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// apiError is a well-formed response with result "error".
type apiError struct {
	action  string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.action, e.message)
}

// call posts one API action and decodes a successful response into out.
func (c *Client) call(ctx context.Context, scope tenant.Scope, action string, params url.Values, out any) error {
	creds, err := credential.Require(ctx, c.creds, scope, credential.WHMCSURL, credential.WHMCSIdentifier, credential.WHMCSSecret)
	if err != nil {
		return err
	}

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("action", action)
	form.Set("identifier", creds[credential.WHMCSIdentifier])
	form.Set("secret", creds[credential.WHMCSSecret])
	form.Set("responsetype", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(creds[credential.WHMCSURL]), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transport(apperr.KindInvoiceSource, sourceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperr.Transport(apperr.KindInvoiceSource, sourceName, err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil || env.Result == "" {
		if resp.StatusCode != http.StatusOK {
			return apperr.Upstream(apperr.KindInvoiceSource, sourceName, resp.StatusCode, body, action+" failed")
		}
		return apperr.Upstream(apperr.KindInvoiceSource, sourceName, resp.StatusCode, body, "unexpected "+action+" response")
	}
	if env.Result != "success" {
		return &apiError{action: action, message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindInvoiceSource, err, "malformed "+action+" response")
	}
	return nil
}

func endpointURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, ".php") {
		return base
	}
	return base + apiPath
}

type invoiceList struct {
	TotalResults flexInt         `json:"totalresults"`
	NumReturned  flexInt         `json:"numreturned"`
	Invoices     json.RawMessage `json:"invoices"`
}

type invoiceRow struct {
	ID           flexInt `json:"id"`
	InvoiceID    flexInt `json:"invoiceid"`
	InvoiceNum   string  `json:"invoicenum"`
	FirstName    string  `json:"firstname"`
	LastName     string  `json:"lastname"`
	CompanyName  string  `json:"companyname"`
	Date         string  `json:"date"`
	Total        amount  `json:"total"`
	Balance      *amount `json:"balance"`
	Status       string  `json:"status"`
	CurrencyCode string  `json:"currencycode"`
}

// ListOpen pages through GetInvoices with status Unpaid. GetInvoices rows
// carry no balance, so rows without one are looked up with GetInvoice to
// get what is still outstanding after partial payments.
func (c *Client) ListOpen(ctx context.Context, scope tenant.Scope) ([]*invoice.Invoice, error) {
	var rows []invoiceRow
	for start := 0; ; {
		params := url.Values{}
		params.Set("status", "Unpaid")
		params.Set("limitstart", strconv.Itoa(start))
		params.Set("limitnum", strconv.Itoa(pageSize))

		var list invoiceList
		if err := c.call(ctx, scope, "GetInvoices", params, &list); err != nil {
			return nil, sourceError(err)
		}
		page, err := decodeInvoiceRows(list.Invoices)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvoiceSource, err, "malformed GetInvoices response")
		}
		rows = append(rows, page...)

		start += len(page)
		if len(page) == 0 || start >= int(list.TotalResults) {
			break
		}
	}

	invoices := make([]*invoice.Invoice, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceLookups)
	for i, row := range rows {
		inv := row.toInvoice(scope)
		if row.Balance != nil || !strings.EqualFold(row.Status, "Unpaid") {
			invoices[i] = inv
			continue
		}
		g.Go(func() error {
			detail, err := c.Get(gctx, scope, inv.ID)
			if errors.Is(err, invoice.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			// GetInvoice omits the currency and client name the list row has.
			inv.Balance = detail.Balance
			inv.Status = detail.Status
			invoices[i] = inv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*invoice.Invoice
	for _, inv := range invoices {
		if inv != nil && inv.IsOpen() {
			out = append(out, inv)
		}
	}
	return out, nil
}

// decodeInvoiceRows handles {"invoice": [...]} and the empty-string value
// returned when nothing matches.
func decodeInvoiceRows(raw json.RawMessage) ([]invoiceRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	var wrapper struct {
		Invoice []invoiceRow `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Invoice, nil
}

func (c *Client) Get(ctx context.Context, scope tenant.Scope, id int64) (*invoice.Invoice, error) {
	params := url.Values{}
	params.Set("invoiceid", strconv.FormatInt(id, 10))

	var row invoiceRow
	if err := c.call(ctx, scope, "GetInvoice", params, &row); err != nil {
		if ae, ok := err.(*apiError); ok && strings.Contains(strings.ToLower(ae.message), "not found") {
			return nil, invoice.ErrNotFound
		}
		return nil, sourceError(err)
	}
	return row.toInvoice(scope), nil
}

// ApplyPayment posts AddInvoicePayment. A result of "error" from WHMCS is a
// refusal and comes back as Success=false.
func (c *Client) ApplyPayment(ctx context.Context, scope tenant.Scope, p invoice.Payment) (*invoice.PaymentResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	gateway := p.Gateway
	if mapped, ok := c.gateways[p.Gateway]; ok {
		gateway = mapped
	}
	params := url.Values{}
	params.Set("invoiceid", strconv.FormatInt(p.InvoiceID, 10))
	params.Set("transid", p.ExternalTransactionID)
	params.Set("amount", p.Amount.StringFixed(2))
	params.Set("gateway", gateway)
	if !p.Date.IsZero() {
		params.Set("date", p.Date.UTC().Format(paymentDateFmt))
	}

	recorded, err := c.paymentRecorded(ctx, scope, p.InvoiceID, p.ExternalTransactionID)
	if err != nil {
		return nil, sourceError(err)
	}
	if recorded {
		return &invoice.PaymentResult{Success: true, Message: "payment already recorded"}, nil
	}

	err = c.call(ctx, scope, "AddInvoicePayment", params, nil)
	if ae, ok := err.(*apiError); ok {
		return &invoice.PaymentResult{Success: false, Message: apperr.Sanitize(ae.message)}, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice.PaymentResult{Success: true, Message: "payment recorded"}, nil
}

type transactionList struct {
	TotalResults flexInt         `json:"totalresults"`
	Transactions json.RawMessage `json:"transactions"`
}

type transactionRow struct {
	InvoiceID flexInt `json:"invoiceid"`
	TransID   string  `json:"transid"`
}

// paymentRecorded reports whether the invoice already carries a payment with
// this transaction id, so a retried apply does not pay twice.
func (c *Client) paymentRecorded(ctx context.Context, scope tenant.Scope, invoiceID int64, transID string) (bool, error) {
	params := url.Values{}
	params.Set("invoiceid", strconv.FormatInt(invoiceID, 10))
	params.Set("transid", transID)

	var list transactionList
	if err := c.call(ctx, scope, "GetTransactions", params, &list); err != nil {
		return false, err
	}
	raw := bytes.TrimSpace(list.Transactions)
	if list.TotalResults == 0 || len(raw) == 0 || raw[0] != '{' {
		return false, nil
	}
	var wrapper struct {
		Transaction []transactionRow `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return false, apperr.Wrap(apperr.KindInvoiceSource, err, "malformed GetTransactions response")
	}
	for _, t := range wrapper.Transaction {
		if t.TransID == transID && int64(t.InvoiceID) == invoiceID {
			return true, nil
		}
	}
	return false, nil
}

func sourceError(err error) error {
	if ae, ok := err.(*apiError); ok {
		return apperr.Upstream(apperr.KindInvoiceSource, sourceName, 0, nil, ae.Error())
	}
	return err
}

func (r invoiceRow) toInvoice(scope tenant.Scope) *invoice.Invoice {
	id := int64(r.ID)
	if id == 0 {
		id = int64(r.InvoiceID)
	}
	balance := r.Total.Decimal
	if r.Balance != nil {
		balance = r.Balance.Decimal
	}
	if !strings.EqualFold(r.Status, "Unpaid") && r.Balance == nil {
		balance = decimal.Zero
	}

	issued, _ := time.Parse(time.DateOnly, r.Date)
	return &invoice.Invoice{
		ID:           id,
		TenantID:     scope.ID(),
		Number:       firstNonEmpty(r.InvoiceNum, strconv.FormatInt(id, 10)),
		Total:        r.Total.Decimal,
		Balance:      balance,
		Currency:     strings.ToUpper(r.CurrencyCode),
		CustomerName: firstNonEmpty(r.CompanyName, strings.TrimSpace(r.FirstName+" "+r.LastName)),
		IssueDate:    issued,
		Status:       r.Status,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexInt accepts ids and counts as numbers or numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// amount accepts money as a number or a string, blank meaning zero.
type amount struct {
	decimal.Decimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	a.Decimal = d
	return nil
}

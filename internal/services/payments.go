package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inreelio/backend/internal/models"
)

// ErrPackNotFound is returned when a payment link names an unknown pack.
var ErrPackNotFound = errors.New("pack not found")

// ErrGatewayUnavailable wraps payservice transport failures. Ledger
// state is never touched when it is returned.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// PackCatalog is the pack lookup the payment service needs.
type PackCatalog interface {
	Packs(ctx context.Context) ([]models.Pack, error)
	Pack(ctx context.Context, id string) (*models.Pack, error)
}

// Gateway talks to the external payservice over HTTP. A zero BaseURL or
// AccessToken means the gateway is unconfigured and callers fall back
// to mock behavior.
type Gateway struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func NewGateway(baseURL, accessToken string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		Logger:      log,
	}
}

func (g *Gateway) Configured() bool {
	return g != nil && g.BaseURL != "" && g.AccessToken != ""
}

// GetStatus fetches the payment record for an order id. Used by the
// add-credits webhook to re-verify a callback before granting credits.
func (g *Gateway) GetStatus(ctx context.Context, orderID string) (*models.Payment, error) {
	if !g.Configured() {
		return nil, ErrGatewayUnavailable
	}
	endpoint := fmt.Sprintf("%s/pay/api/txnStatus?orderId=%s", g.BaseURL, url.QueryEscape(orderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.AccessToken)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	var p models.Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrGatewayUnavailable, err)
	}
	if p.PaymentID() == "" {
		p.OrderID = orderID
	}
	return &p, nil
}

// createTxnRequest is the payservice's transaction-creation payload.
type createTxnRequest struct {
	Name        string  `json:"NAME"`
	ClientID    string  `json:"CLIENT_ID"`
	Email       string  `json:"EMAIL"`
	TxnAmount   float64 `json:"TXN_AMOUNT"`
	ProductName string  `json:"PRODUCT_NAME"`
	ReturnURL   string  `json:"RETURN_URL"`
	WebhookURL  string  `json:"WEBHOOK_URL"`
	State       string  `json:"STATE"`
}

// CreateTxn posts a new transaction and returns the normalized payment.
func (g *Gateway) CreateTxn(ctx context.Context, body createTxnRequest) (*models.Payment, error) {
	if !g.Configured() {
		return nil, ErrGatewayUnavailable
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/pay/api/createTxn", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.AccessToken)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	var p models.Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrGatewayUnavailable, err)
	}
	return &p, nil
}

// PaymentLink is the result of a link creation.
type PaymentLink struct {
	PaymentURL string `json:"payment_url"`
	PaymentID  string `json:"payment_id,omitempty"`
	Mock       bool   `json:"mock,omitempty"`
}

// PaymentService resolves packs, deduces credit grants from payment
// events, and creates payment links.
type PaymentService struct {
	gateway       *Gateway
	catalog       PackCatalog
	publicHost    string
	webhookSecret string
	clientID      string
	log           *slog.Logger
}

func NewPaymentService(gateway *Gateway, catalog PackCatalog, publicHost, webhookSecret, clientID string, log *slog.Logger) *PaymentService {
	if log == nil {
		log = slog.Default()
	}
	return &PaymentService{
		gateway:       gateway,
		catalog:       catalog,
		publicHost:    strings.TrimSuffix(publicHost, "/"),
		webhookSecret: webhookSecret,
		clientID:      clientID,
		log:           log,
	}
}

func (s *PaymentService) Gateway() *Gateway { return s.gateway }

var productCodeRe = regexp.MustCompile(`^(.+?)_(\d+)$`)

// DeduceCredits works out how many credits a payment should grant.
// Product code first ("<packID>_<n>" or "credits_<n>"), then an
// amount-vs-pack match, then a 1-unit = 1-credit rounding.
func (s *PaymentService) DeduceCredits(ctx context.Context, p *models.Payment) int {
	if p == nil {
		return 0
	}
	if prod := strings.TrimSpace(p.ProductCode()); prod != "" {
		if m := productCodeRe.FindStringSubmatch(prod); m != nil {
			n, _ := strconv.Atoi(m[2])
			if strings.EqualFold(m[1], "credits") {
				return n
			}
			if pack, err := s.catalog.Pack(ctx, m[1]); err == nil && pack != nil {
				return pack.Credits
			}
			return n
		}
	}

	amt := p.PaidAmount()
	if amt <= 0 {
		return 0
	}
	if packs, err := s.catalog.Packs(ctx); err == nil {
		for _, pack := range packs {
			if pack.Amount > 0 && math.Abs(pack.Amount-amt) < 0.001 {
				return pack.Credits
			}
		}
	}
	n := int(math.Round(amt))
	if n < 0 {
		n = 0
	}
	return n
}

// CreatePaymentLink resolves the pack (or a raw credit count), builds
// the return and webhook URLs, and asks the gateway for a link. An
// unconfigured or failing gateway yields a mock link pointing straight
// back at the return URL.
func (s *PaymentService) CreatePaymentLink(ctx context.Context, email, name, packID string, credits int, state map[string]any, returnHost string) (PaymentLink, error) {
	if email == "" {
		return PaymentLink{}, errors.New("email required")
	}

	var amount float64
	resolvedCredits := credits
	switch {
	case packID != "":
		pack, err := s.catalog.Pack(ctx, packID)
		if err != nil {
			return PaymentLink{}, err
		}
		if pack == nil {
			return PaymentLink{}, ErrPackNotFound
		}
		amount = pack.Amount
		if pack.Credits > 0 {
			resolvedCredits = pack.Credits
		}
	case resolvedCredits > 0:
		// Fallback price of one unit per credit.
		amount = float64(resolvedCredits)
	default:
		return PaymentLink{}, errors.New("pack id or credits required")
	}

	if state == nil {
		state = map[string]any{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return PaymentLink{}, err
	}
	stateB64 := base64.StdEncoding.EncodeToString(stateJSON)

	host := strings.TrimSuffix(returnHost, "/")
	returnURL := fmt.Sprintf("%s?state=%s", host, url.QueryEscape(stateB64))
	webhookURL := fmt.Sprintf("%s/api/webhook/add-credits/%s", s.publicHost, s.webhookSecret)

	productName := fmt.Sprintf("credits_%d", resolvedCredits)
	if packID != "" {
		productName = fmt.Sprintf("%s_%d", packID, resolvedCredits)
	}

	if s.gateway.Configured() {
		p, err := s.gateway.CreateTxn(ctx, createTxnRequest{
			Name:        name,
			ClientID:    s.clientID,
			Email:       email,
			TxnAmount:   amount,
			ProductName: productName,
			ReturnURL:   returnURL,
			WebhookURL:  webhookURL,
			State:       string(stateJSON),
		})
		if err != nil {
			s.log.Warn("payment link creation failed, falling back to mock", "error", err)
			return PaymentLink{PaymentURL: returnURL + "&mock=true", Mock: true}, nil
		}
		link := PaymentLink{PaymentURL: p.PaymentURL, PaymentID: p.PaymentID()}
		if link.PaymentURL == "" {
			link.PaymentURL = p.PayURL
		}
		if link.PaymentURL == "" {
			link = PaymentLink{PaymentURL: returnURL + "&mock=true", Mock: true}
		}
		return link, nil
	}
	return PaymentLink{PaymentURL: returnURL + "&mock=true", Mock: true}, nil
}

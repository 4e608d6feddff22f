package smartnoded

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartwallet/crypto"
	"smartwallet/smartnode"
	"smartwallet/wallet"
)

const maxRequestBytes = 1 << 20

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	service *Service
	auth    *Authenticator
	logger  *slog.Logger
	router  http.Handler
}

// NewAdminServer constructs the admin router around service.
func NewAdminServer(service *Service, auth *Authenticator) *AdminServer {
	s := &AdminServer{service: service, auth: auth, logger: service.logger}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"connected": s.service.conn.IsConnected()})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Get("/smartnodes", s.handleList)
		protected.Post("/smartnodes", s.handleCreate)
		protected.Post("/smartnodes/import", s.handleImport)
		protected.Get("/smartnodes/{alias}", s.handleGet)
		protected.Patch("/smartnodes/{alias}", s.handleEdit)
		protected.Delete("/smartnodes/{alias}", s.handleRemove)
		protected.Post("/smartnodes/{alias}/sign", s.handleSign)
		protected.Post("/smartnodes/{alias}/broadcast", s.handleBroadcast)
		protected.Post("/smartnodes/{alias}/announce", s.handleAnnounce)
		protected.Post("/status/refresh", s.handleRefresh)
		protected.Get("/outputs", s.handleOutputs)
		protected.Post("/wallet/keys", s.handleImportKey)
	})
	return r
}

// NodeView is a record as reported by the admin API.
type NodeView struct {
	smartnode.Record
	CollateralIdentity string           `json:"collateral_identity,omitempty"`
	Status             smartnode.Status `json:"status"`
	StatusUpdatedAt    *time.Time       `json:"status_updated_at,omitempty"`
	Problem            string           `json:"problem,omitempty"`
}

func (s *AdminServer) view(rec smartnode.Record) NodeView {
	v := NodeView{Record: rec, Status: smartnode.StatusUnknown}
	if rec.HasCollateralRef() {
		v.CollateralIdentity = rec.CollateralIdentity()
		if entry, ok := s.service.coord.StatusEntry(v.CollateralIdentity); ok {
			at := entry.UpdatedAt
			v.StatusUpdatedAt = &at
		}
	}
	status, err := s.service.coord.CheckStatus(rec.Alias)
	if err != nil {
		v.Problem = err.Error()
		return v
	}
	v.Status = status
	return v
}

func (s *AdminServer) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id, hash := query.Get("collateral"), query.Get("hash"); id != "" || hash != "" {
		var (
			rec smartnode.Record
			ok  bool
		)
		if id != "" {
			rec, ok = s.service.coord.ByCollateralIdentity(strings.ToLower(id))
		} else {
			rec, ok = s.service.coord.ByHash(hash)
		}
		views := []NodeView{}
		if ok {
			views = append(views, s.view(rec))
		}
		writeJSON(w, http.StatusOK, views)
		return
	}
	records := s.service.coord.List()
	views := make([]NodeView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.view(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *AdminServer) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.service.coord.Get(chi.URLParam(r, "alias"))
	if !ok {
		writeError(w, smartnode.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *AdminServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if err := s.service.coord.Remove(alias); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("smartnode removed", slog.String("alias", alias))
	w.WriteHeader(http.StatusNoContent)
}

// ImportRequest carries a smartnode.conf body and the passphrase encrypting
// the delegate keys it contains.
type ImportRequest struct {
	Conf       string `json:"conf"`
	Passphrase string `json:"passphrase"`
}

// ImportLineResult reports one line of an import.
type ImportLineResult struct {
	LineNo     int                      `json:"line_no"`
	Alias      string                   `json:"alias"`
	Outcome    smartnode.ImportOutcome  `json:"outcome"`
	Resolution smartnode.ResolveOutcome `json:"resolution,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// ImportResponse summarises an import request.
type ImportResponse struct {
	Imported int                `json:"imported"`
	Results  []ImportLineResult `json:"results"`
}

func (s *AdminServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Passphrase) == "" {
		http.Error(w, "passphrase required", http.StatusBadRequest)
		return
	}
	lines, parseErrs := smartnode.ParseConf(strings.NewReader(req.Conf), s.service.coord.Config().DefaultPort)
	resp := ImportResponse{Results: make([]ImportLineResult, 0, len(lines)+len(parseErrs))}
	for _, perr := range parseErrs {
		resp.Results = append(resp.Results, ImportLineResult{
			LineNo:  perr.LineNo,
			Alias:   perr.Alias,
			Outcome: smartnode.ImportFailed,
			Error:   perr.Err.Error(),
		})
	}
	report := s.service.coord.ImportBatch(r.Context(), lines, req.Passphrase)
	resp.Imported = report.Imported
	for _, res := range report.Results {
		line := ImportLineResult{
			LineNo:     res.Line.LineNo,
			Alias:      res.Line.Alias,
			Outcome:    res.Outcome,
			Resolution: res.Resolution,
		}
		if res.Err != nil {
			line.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, line)
	}
	s.logger.Info("smartnode.conf imported", slog.Int("imported", resp.Imported), slog.Int("lines", len(resp.Results)))
	writeJSON(w, http.StatusOK, resp)
}

// PassphraseRequest unlocks keys for a single operation.
type PassphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *AdminServer) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req PassphraseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.service.coord.Announce(r.Context(), chi.URLParam(r, "alias"), req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateRequest describes a smartnode backed by an eligible wallet output.
// Collateral is txid:n. DelegateWIF may be empty to generate a key.
type CreateRequest struct {
	Alias       string `json:"alias"`
	Addr        string `json:"addr"`
	Collateral  string `json:"collateral"`
	DelegateWIF string `json:"delegate_wif,omitempty"`
	Passphrase  string `json:"passphrase"`
}

// CreateResponse carries the new smartnode and, when it was generated, its
// delegate key.
type CreateResponse struct {
	Node        NodeView                 `json:"node"`
	DelegateWIF string                   `json:"delegate_wif,omitempty"`
	Resolution  smartnode.ResolveOutcome `json:"resolution,omitempty"`
}

func (s *AdminServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Passphrase) == "" {
		http.Error(w, "passphrase required", http.StatusBadRequest)
		return
	}
	addr, err := smartnode.ParseNetworkAddress(req.Addr, s.service.coord.Config().DefaultPort)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	txid, index, err := smartnode.ParseCollateralIdentity(req.Collateral)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.service.coord.Create(smartnode.NewNode{
		Alias:       req.Alias,
		Addr:        addr,
		TxID:        txid,
		OutputIndex: index,
		DelegateWIF: strings.TrimSpace(req.DelegateWIF),
	}, req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("smartnode created", slog.String("alias", created.Record.Alias))
	writeJSON(w, http.StatusCreated, CreateResponse{
		Node:        s.view(created.Record),
		DelegateWIF: created.DelegateWIF,
		Resolution:  created.Resolution,
	})
}

// EditRequest changes the fields it sets. Passphrase is needed only with
// DelegateWIF.
type EditRequest struct {
	Alias       *string `json:"alias,omitempty"`
	Addr        *string `json:"addr,omitempty"`
	Collateral  *string `json:"collateral,omitempty"`
	DelegateWIF *string `json:"delegate_wif,omitempty"`
	Passphrase  string  `json:"passphrase,omitempty"`
}

func (s *AdminServer) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DelegateWIF != nil && strings.TrimSpace(req.Passphrase) == "" {
		http.Error(w, "passphrase required", http.StatusBadRequest)
		return
	}
	edit := smartnode.Edit{Alias: req.Alias, Collateral: req.Collateral, DelegateWIF: req.DelegateWIF}
	if req.Addr != nil {
		addr, err := smartnode.ParseNetworkAddress(*req.Addr, s.service.coord.Config().DefaultPort)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		edit.Addr = &addr
	}
	alias := chi.URLParam(r, "alias")
	rec, err := s.service.coord.Edit(alias, edit, req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("smartnode edited", slog.String("alias", alias), slog.String("now", rec.Alias))
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *AdminServer) handleSign(w http.ResponseWriter, r *http.Request) {
	var req PassphraseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.service.coord.SignAnnounce(r.Context(), chi.URLParam(r, "alias"), req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *AdminServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.coord.SendAnnounce(r.Context(), chi.URLParam(r, "alias"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RefreshResponse reports how many subscriptions were issued.
type RefreshResponse struct {
	Subscribed int `json:"subscribed"`
}

func (s *AdminServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Subscribed: n})
}

func (s *AdminServer) handleOutputs(w http.ResponseWriter, r *http.Request) {
	excludeFrozen := true
	if raw := r.URL.Query().Get("exclude_frozen"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid exclude_frozen", http.StatusBadRequest)
			return
		}
		excludeFrozen = parsed
	}
	outputs, err := s.service.coord.EligibleCollateralOutputs(excludeFrozen)
	if err != nil {
		writeError(w, err)
		return
	}
	if outputs == nil {
		outputs = []smartnode.Unspent{}
	}
	writeJSON(w, http.StatusOK, outputs)
}

// ImportKeyRequest adds a wallet key able to sign for collateral.
type ImportKeyRequest struct {
	WIF        string `json:"wif"`
	Passphrase string `json:"passphrase"`
}

// ImportKeyResponse names the address the imported key controls.
type ImportKeyResponse struct {
	Address string `json:"address"`
}

func (s *AdminServer) handleImportKey(w http.ResponseWriter, r *http.Request) {
	var req ImportKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WIF) == "" || strings.TrimSpace(req.Passphrase) == "" {
		http.Error(w, "wif and passphrase required", http.StatusBadRequest)
		return
	}
	pub, err := s.service.keys.ImportWIF(strings.TrimSpace(req.WIF), req.Passphrase, crypto.KindWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	address, err := crypto.P2PKHAddress(pub, s.service.coord.Config().Net)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("wallet key imported", slog.String("address", address))
	writeJSON(w, http.StatusCreated, ImportKeyResponse{Address: address})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, smartnode.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, smartnode.ErrEmptyAlias),
		errors.Is(err, smartnode.ErrInvalidCollateral),
		errors.Is(err, crypto.ErrInvalidWIF):
		return http.StatusBadRequest
	case errors.Is(err, smartnode.ErrDuplicateAlias),
		errors.Is(err, smartnode.ErrDuplicateCollateral),
		errors.Is(err, smartnode.ErrRecordChanged),
		errors.Is(err, crypto.ErrKeyExists):
		return http.StatusConflict
	case errors.Is(err, smartnode.ErrMissingCollateralReference),
		errors.Is(err, smartnode.ErrMissingCollateralKey),
		errors.Is(err, smartnode.ErrMissingDelegateKey),
		errors.Is(err, smartnode.ErrMissingAddress),
		errors.Is(err, smartnode.ErrInsufficientConfirmations),
		errors.Is(err, smartnode.ErrWrongCollateralValue),
		errors.Is(err, smartnode.ErrCollateralSpent),
		errors.Is(err, smartnode.ErrNotEligible),
		errors.Is(err, smartnode.ErrNotSigned),
		errors.Is(err, smartnode.ErrChainTooShort):
		return http.StatusUnprocessableEntity
	case errors.Is(err, crypto.ErrBadPassphrase):
		return http.StatusForbidden
	case errors.Is(err, smartnode.ErrNotConnected), errors.Is(err, wallet.ErrNotSynced):
		return http.StatusServiceUnavailable
	case errors.Is(err, smartnode.ErrBroadcastTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, smartnode.ErrErrorResponse),
		errors.Is(err, smartnode.ErrUnexpectedResponse),
		errors.Is(err, smartnode.ErrAnnounceRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

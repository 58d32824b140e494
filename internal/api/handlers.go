package api

import (
	"net/http"
	"strconv"

	"grimm.is/paramstrip/internal/engine"
	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/rules"
)

// RuleRequest is the options page form for an ordinary rule.
type RuleRequest struct {
	Parameter        string  `json:"parameter"`
	Group            *string `json:"group,omitempty"`
	DomainFilterType string  `json:"domain_filter_type,omitempty"`
	DomainFilterList string  `json:"domain_filter_list,omitempty"`
}

func (req RuleRequest) spec() (rules.Spec, error) {
	group := ""
	if req.Group != nil {
		group = *req.Group
	}
	return rules.NewSpec(req.Parameter, group, req.DomainFilterType, req.DomainFilterList)
}

// WhitelistRequest adds a global whitelist domain.
type WhitelistRequest struct {
	Domain string `json:"domain"`
}

// GroupRequest moves a rule to another group.
type GroupRequest struct {
	Group string `json:"group"`
}

// URLRequest carries a URL to inspect.
type URLRequest struct {
	URL string `json:"url"`
}

// RuleResponse is a mutated record plus the notification to show.
type RuleResponse struct {
	Rule    rules.Record `json:"rule"`
	Message string       `json:"message"`
}

// ParamInfo is one query parameter of an inspected URL.
type ParamInfo struct {
	Name    string `json:"name"`
	Covered bool   `json:"covered"`
	RuleID  int    `json:"rule_id,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	records, err := s.sync.List(r.Context())
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	records = rules.Filter(records, rules.OfKind(rules.KindOrdinary))
	if g := r.URL.Query().Get("group"); g != "" {
		records = rules.Filter(records, rules.InGroup(g))
	}
	if records == nil {
		records = []rules.Record{}
	}
	WriteJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	rec, err := s.sync.Get(r.Context(), id)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeOpError(w, r, err)
		return
	}

	rec, err := s.sync.Create(r.Context(), spec)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	p := i18n.GetPrinter(r.Context())
	WriteJSON(w, http.StatusCreated, RuleResponse{Rule: rec, Message: p.Sprintf(i18n.MsgCreated, rec.ID)})
}

func (s *Server) handleEditRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	var req RuleRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeOpError(w, r, err)
		return
	}

	rec, err := s.sync.Edit(r.Context(), id, spec, req.Group)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	p := i18n.GetPrinter(r.Context())
	WriteJSON(w, http.StatusOK, RuleResponse{Rule: rec, Message: p.Sprintf(i18n.MsgEdited, rec.ID)})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	rec, err := s.sync.Delete(r.Context(), id)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	p := i18n.GetPrinter(r.Context())
	WriteJSON(w, http.StatusOK, RuleResponse{Rule: rec, Message: p.Sprintf(i18n.MsgDeleted, rec.ID)})
}

func (s *Server) handleToggle(enable bool) http.HandlerFunc {
	msg := i18n.MsgDisabled
	if enable {
		msg = i18n.MsgEnabled
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeOpError(w, r, err)
			return
		}
		rec, err := s.sync.Toggle(r.Context(), id, enable)
		if err != nil {
			writeOpError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, RuleResponse{Rule: rec, Message: i18n.GetPrinter(r.Context()).Sprintf(msg, rec.ID)})
	}
}

func (s *Server) handleRegroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	var req GroupRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.sync.Regroup(r.Context(), id, req.Group)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	p := i18n.GetPrinter(r.Context())
	WriteJSON(w, http.StatusOK, RuleResponse{Rule: rec, Message: p.Sprintf(i18n.MsgMoved, rec.ID, rec.Group)})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.sync.Groups(r.Context())
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, groups)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	records, err := s.sync.Whitelist(r.Context())
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	if records == nil {
		records = []rules.Record{}
	}
	WriteJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateWhitelist(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.sync.CreateWhitelist(r.Context(), req.Domain)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	p := i18n.GetPrinter(r.Context())
	WriteJSON(w, http.StatusCreated, RuleResponse{Rule: rec, Message: p.Sprintf(i18n.MsgCreated, rec.ID)})
}

// handleURLParams lists a URL's query parameters and which of them a rule
// already strips, for the popup's one-click add.
func (s *Server) handleURLParams(w http.ResponseWriter, r *http.Request) {
	var req URLRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	names, err := engine.ExtractParams(req.URL)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid url", err.Error())
		return
	}
	records, err := s.sync.List(r.Context())
	if err != nil {
		writeOpError(w, r, err)
		return
	}

	out := make([]ParamInfo, 0, len(names))
	for _, name := range names {
		info := ParamInfo{Name: name}
		if rec, ok := rules.FindDuplicate(records, rules.Key{Kind: rules.KindOrdinary, Value: name}, 0); ok {
			info.Covered = true
			info.RuleID = rec.ID
			info.Enabled = rec.Enabled
		}
		out = append(out, info)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleURLClean(w http.ResponseWriter, r *http.Request) {
	var req URLRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	active, err := s.sync.Active(r.Context())
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	res, err := engine.Apply(req.URL, active)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid url", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	active, err := s.sync.Active(r.Context())
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"rules":     active,
		"count":     len(active),
		"max_rules": s.sync.MaxRules(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = b
	}
	drift, err := s.sync.Reconcile(r.Context(), dryRun)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, drift)
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	specs, err := s.seed()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load default rules", err.Error())
		return
	}
	report, err := s.sync.Seed(r.Context(), specs)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	p := i18n.GetPrinter(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"report":  report,
		"message": p.Sprintf(i18n.MsgSeeded, len(report.Added), report.Skipped),
	})
}

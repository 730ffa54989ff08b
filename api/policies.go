package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
)

// listPolicyRules handles GET /policies.
func (a *API) listPolicyRules(w http.ResponseWriter, _ *http.Request) {
	rules, err := a.storage.ListRules()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	out := make([]*PolicyRuleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, policyRuleResponse(rule))
	}
	httpWriteJSON(w, out)
}

// createPolicyRule handles POST /policies. The rule value is validated
// against its kind's schema before it is stored.
func (a *API) createPolicyRule(w http.ResponseWriter, r *http.Request) {
	rule, apiErr := a.decodeRule(r)
	if apiErr != nil {
		apiErr.Write(w)
		return
	}

	id, err := a.storage.SetRule(rule)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	rule.ID = id
	a.reloadPolicy()
	httpWriteJSON(w, policyRuleResponse(rule))
}

// policyRule handles GET /policies/{ruleId}.
func (a *API) policyRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, RuleURLParam)
	rule, err := a.storage.Rule(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrResourceNotFound.Withf("policy rule %s", id).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, policyRuleResponse(rule))
}

// updatePolicyRule handles PUT /policies/{ruleId}. Updating an unknown rule
// fails, it does not create one.
func (a *API) updatePolicyRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, RuleURLParam)
	if _, err := a.storage.Rule(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrResourceNotFound.Withf("policy rule %s", id).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}

	rule, apiErr := a.decodeRule(r)
	if apiErr != nil {
		apiErr.Write(w)
		return
	}
	rule.ID = id
	if _, err := a.storage.SetRule(rule); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	a.reloadPolicy()
	httpWriteJSON(w, policyRuleResponse(rule))
}

// deletePolicyRule handles DELETE /policies/{ruleId}.
func (a *API) deletePolicyRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, RuleURLParam)
	if err := a.storage.DeleteRule(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrResourceNotFound.Withf("policy rule %s", id).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	a.reloadPolicy()
	httpWriteOK(w)
}

// decodeRule decodes and validates a rule write payload.
func (a *API) decodeRule(r *http.Request) (*types.PolicyRule, *Error) {
	req := new(PolicyRuleRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		e := ErrMalformedBody.WithErr(err)
		return nil, &e
	}
	if !req.Kind.Valid() {
		e := ErrInvalidRequest.Withf("unknown rule kind %q", req.Kind)
		return nil, &e
	}
	if err := policy.ValidateTarget(req.Target, a.knownNetwork); err != nil {
		e := ErrInvalidRequest.WithErr(err)
		return nil, &e
	}
	if err := policy.ValidateRuleValue(req.Kind, req.Value); err != nil {
		e := ErrInvalidRequest.WithErr(err)
		return nil, &e
	}
	return &types.PolicyRule{
		Kind:    req.Kind,
		Target:  req.Target,
		Value:   req.Value,
		Enabled: req.Enabled,
	}, nil
}

// reloadPolicy refreshes the engine's rule set right after a write so the
// change takes effect without waiting for the periodic reload.
func (a *API) reloadPolicy() {
	if err := a.policy.Reload(); err != nil {
		log.Errorw(err, "failed to reload policy rules after write")
	}
}

package config

import (
	"errors"
	"fmt"

	"github.com/queryweaver/queryweaver/pkg/mcp"
)

// validator walks the resolved Config and collects every problem rather
// than stopping at the first, so a misconfigured deployment gets one
// complete report.
type validator struct {
	cfg  *Config
	errs []error
}

func newValidator(cfg *Config) *validator {
	return &validator{cfg: cfg}
}

func (v *validator) addError(section, field, message string) {
	v.errs = append(v.errs, &ValidationError{Section: section, Field: field, Message: message})
}

func (v *validator) validateAll() error {
	v.validateServer()
	v.validateProviders()
	v.validateLLM()
	v.validateApproval()
	v.validatePipeline()
	v.validateRoles()
	v.validateMCPServers()
	v.validateBackends()
	if len(v.errs) == 0 {
		return nil
	}
	return errors.Join(v.errs...)
}

func (v *validator) validateServer() {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		v.addError("server", "port", fmt.Sprintf("must be 1-65535, got %d", v.cfg.Server.Port))
	}
}

func (v *validator) validateProviders() {
	if v.cfg.Providers.Len() == 0 {
		v.addError("llm_providers", "", "at least one LLM provider must be configured")
		return
	}
	for _, name := range v.cfg.Providers.Names() {
		p, _ := v.cfg.Providers.Get(name)
		if !p.Type.IsValid() {
			v.addError("llm_providers", name, fmt.Sprintf("unknown provider type %q", p.Type))
		}
		if p.Model == "" {
			v.addError("llm_providers", name, "model is required")
		}
		if p.APIKey == "" {
			v.addError("llm_providers", name, "api_key is required (check the environment variable it expands from)")
		}
		if p.Type == ProviderTypeOpenAI && p.BaseURL == "" {
			v.addError("llm_providers", name, "base_url is required for openai-compatible providers")
		}
	}
}

func (v *validator) validateLLM() {
	llm := v.cfg.LLM
	if llm.DefaultProvider == "" {
		v.addError("llm", "default_provider", "is required")
	} else if !v.cfg.Providers.Has(llm.DefaultProvider) {
		v.addError("llm", "default_provider", fmt.Sprintf("%q is not a configured provider", llm.DefaultProvider))
	}
	for _, name := range llm.FallbackOrder {
		if !v.cfg.Providers.Has(name) {
			v.addError("llm", "fallback_order", fmt.Sprintf("%q is not a configured provider", name))
		}
	}
}

func (v *validator) validateApproval() {
	if v.cfg.Approval.SessionSecret == "" {
		v.addError("approval", "session_secret", "is required (session bindings would be forgeable without it)")
	}
	if p := v.cfg.Approval.IPPolicy; p != "" && !p.IsValid() {
		v.addError("approval", "ip_policy", fmt.Sprintf("must be strict, subnet, or none, got %q", p))
	}
}

func (v *validator) validatePipeline() {
	p := v.cfg.Pipeline
	if p.Provider != "" && !v.cfg.Providers.Has(p.Provider) {
		v.addError("pipeline", "provider", fmt.Sprintf("%q is not a configured provider", p.Provider))
	}
	if p.SandboxRisk != "" && !p.SandboxRisk.IsValid() {
		v.addError("pipeline", "sandbox_risk", fmt.Sprintf("unknown risk level %q", p.SandboxRisk))
	}
}

func (v *validator) validateRoles() {
	for name, role := range v.cfg.Roles {
		for _, risk := range role.AllowedRisks {
			if !risk.IsValid() {
				v.addError("roles", name, fmt.Sprintf("unknown risk level %q in allowed_risks", risk))
			}
		}
		if role.MaxRows < 0 {
			v.addError("roles", name, "max_rows cannot be negative")
		}
	}
}

func (v *validator) validateMCPServers() {
	for name, srv := range v.cfg.MCPServers {
		tr := srv.Transport
		if !tr.Type.IsValid() {
			v.addError("mcp_servers", name, fmt.Sprintf("unknown transport type %q", tr.Type))
			continue
		}
		if tr.Type == mcp.TransportStdio && tr.Command == "" {
			v.addError("mcp_servers", name, "stdio transport requires command")
		}
		if tr.Type != mcp.TransportStdio && tr.URL == "" {
			v.addError("mcp_servers", name, "http/sse transport requires url")
		}
	}
}

func (v *validator) validateBackends() {
	b := v.cfg.Backends
	if b.Oracle == nil && b.Doris == nil && b.Postgres == nil {
		v.addError("backends", "", "at least one execution backend must be configured")
		return
	}
	if b.Oracle != nil && b.Oracle.Bridge.Command == "" {
		v.addError("backends", "oracle.bridge.command", "is required")
	}
	if b.Doris != nil {
		if b.Doris.MCPServer == "" {
			v.addError("backends", "doris.mcp_server", "is required")
		} else if _, ok := v.cfg.MCPServers[b.Doris.MCPServer]; !ok {
			v.addError("backends", "doris.mcp_server", fmt.Sprintf("%q is not a configured mcp server", b.Doris.MCPServer))
		}
	}
	if b.Postgres != nil && b.Postgres.DSN == "" {
		v.addError("backends", "postgres.dsn", "is required (check the environment variable it expands from)")
	}
}

package orchestrator

import "strings"

// Role classifies a sub-agent's specialty.
type Role string

const (
	RoleLead     Role = "lead"
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
	RoleData     Role = "data"
	RoleDesign   Role = "design"
	RoleInfra    Role = "infra"
	RoleQA       Role = "qa"
	RoleRedTeam  Role = "red_team"
	RoleServices Role = "services"
)

// roleAliases maps legacy and informal labels onto the canonical set.
var roleAliases = map[string]Role{
	"pm": RoleLead, "manager": RoleLead, "architect": RoleLead, "planner": RoleLead,
	"server": RoleBackend, "api": RoleBackend, "engineer": RoleBackend,
	"ui": RoleFrontend, "web": RoleFrontend, "client": RoleFrontend,
	"db": RoleData, "database": RoleData, "analytics": RoleData, "analyst": RoleData,
	"ux": RoleDesign, "designer": RoleDesign,
	"devops": RoleInfra, "ops": RoleInfra, "sre": RoleInfra, "platform": RoleInfra,
	"test": RoleQA, "testing": RoleQA, "quality": RoleQA, "tester": RoleQA,
	"security": RoleRedTeam, "pentest": RoleRedTeam, "redteam": RoleRedTeam,
	"integration": RoleServices, "external": RoleServices, "service": RoleServices,
}

// NormalizeRole resolves any label to a canonical role. Unknown labels
// default to lead so a sub-task always gets a capable generalist.
func NormalizeRole(label string) Role {
	l := Role(strings.ToLower(strings.TrimSpace(label)))
	switch l {
	case RoleLead, RoleBackend, RoleFrontend, RoleData, RoleDesign, RoleInfra, RoleQA, RoleRedTeam, RoleServices:
		return l
	}
	if r, ok := roleAliases[string(l)]; ok {
		return r
	}
	return RoleLead
}

// roleTemplates are the system-prompt scripts per role. Stored as data so
// they can be swapped without touching scheduling code.
var roleTemplates = map[Role]string{
	RoleLead: `You are the lead agent. You own the overall outcome of your task: make decisions, resolve ambiguity, and produce a complete, actionable result. Prefer concrete output over meta-commentary.`,

	RoleBackend: `You are a backend engineering agent. You design and implement server-side logic, APIs, and business rules. Be precise about data shapes, error handling, and edge cases. Produce working artifacts, not sketches.`,

	RoleFrontend: `You are a frontend engineering agent. You build user-facing interfaces and client logic. Care about usability, states (loading, empty, error), and accessibility. Produce complete components.`,

	RoleData: `You are a data agent. You design schemas, write queries, and analyze datasets. State assumptions about data shape explicitly, validate them when tools allow, and show the figures behind any conclusion.`,

	RoleDesign: `You are a design agent. You produce information architecture, layout, and copy. Favor clarity over decoration. Deliver structured specifications another agent can implement directly.`,

	RoleInfra: `You are an infrastructure agent. You handle deployment, environments, networking, and operations tooling. Be explicit about commands, their effects, and rollback paths. Never assume elevated privileges you were not given.`,

	RoleQA: `You are a QA agent. You verify the work of other agents: find defects, missing cases, and broken assumptions. Report findings as a concise list ordered by severity, with reproduction steps where possible.`,

	RoleRedTeam: `You are a red-team agent. You probe the task's output for security weaknesses, abuse vectors, and failure modes under hostile input. Report concrete attack scenarios and mitigations, not generic advice.`,

	RoleServices: `You are an integrations agent. You connect external services: APIs, webhooks, third-party platforms. Be exact about authentication, payload formats, and failure handling for each integration point.`,
}

// Template returns the role's system-prompt script.
func (r Role) Template() string {
	if t, ok := roleTemplates[r]; ok {
		return t
	}
	return roleTemplates[RoleLead]
}

// Tier is the capability class assigned to a sub-agent.
type Tier string

const (
	TierElite      Tier = "elite"
	TierSpecialist Tier = "specialist"
	TierUtility    Tier = "utility"
)

// TierParams are the execution parameters per tier.
type TierParams struct {
	Temperature   float64
	MaxIterations int
	MaxResponse   int
	TokenBudget   int
}

var tierParams = map[Tier]TierParams{
	TierElite:      {Temperature: 0.5, MaxIterations: 25, MaxResponse: 8192, TokenBudget: 100_000},
	TierSpecialist: {Temperature: 0.4, MaxIterations: 15, MaxResponse: 4096, TokenBudget: 60_000},
	TierUtility:    {Temperature: 0.2, MaxIterations: 8, MaxResponse: 2048, TokenBudget: 30_000},
}

// Params returns the tier's execution parameters.
func (t Tier) Params() TierParams {
	if p, ok := tierParams[t]; ok {
		return p
	}
	return tierParams[TierSpecialist]
}

// tierForRole assigns capability by responsibility: judgment-heavy roles
// get the strongest models, verification gets the cheapest.
func tierForRole(r Role) Tier {
	switch r {
	case RoleLead, RoleRedTeam:
		return TierElite
	case RoleQA:
		return TierUtility
	default:
		return TierSpecialist
	}
}

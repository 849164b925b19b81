package domain

// APIType distinguishes proxied HTTP APIs from message (event) APIs.
type APIType string

const (
	APITypeProxy   APIType = "proxy"
	APITypeMessage APIType = "message"
)

// SecurityType names the authentication mechanism of a plan.
type SecurityType string

const (
	SecurityKeyless SecurityType = "KEY_LESS"
	SecurityAPIKey  SecurityType = "API_KEY"
	SecurityJWT     SecurityType = "JWT"
)

// API is a deployed API definition.
type API struct {
	ID             string
	Name           string
	Version        string
	OrganizationID string
	ContextPath    string
	Endpoint       string
	Type           APIType
	FlowMode       FlowMode
	Flows          []*Flow
	Plans          []*Plan
	// ProductPlans are the plans of the API products the API belongs to.
	// They authenticate consumers but own no flows: a product subscription
	// runs every plan-level flow of the API.
	ProductPlans []*Plan
}

// Plan is a consumer plan of an API.
type Plan struct {
	ID                    string
	Name                  string
	Order                 int
	Security              SecurityType
	SecurityConfiguration map[string]any
	SelectionRule         string
	FlowMode              FlowMode
	Flows                 []*Flow
}

// PlanIDs returns the identifiers of the API's own plans in declaration order.
func (a *API) PlanIDs() []string {
	ids := make([]string, 0, len(a.Plans))
	for _, p := range a.Plans {
		ids = append(ids, p.ID)
	}
	return ids
}

// SecurityPlans returns the API's own plans followed by its product plans.
func (a *API) SecurityPlans() []*Plan {
	plans := make([]*Plan, 0, len(a.Plans)+len(a.ProductPlans))
	plans = append(plans, a.Plans...)
	return append(plans, a.ProductPlans...)
}

// Plan returns the API plan with the given id.
func (a *API) Plan(id string) (*Plan, bool) {
	for _, p := range a.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Organization carries the platform-level flows applied to every API it owns.
type Organization struct {
	ID       string
	Name     string
	FlowMode FlowMode
	Flows    []*Flow
}

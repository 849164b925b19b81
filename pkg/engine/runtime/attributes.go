package runtime

// Attribute keys shared by security plans, flow resolvers and policies.
const (
	AttrAPI            = "api"
	AttrAPIName        = "api.name"
	AttrOrganization   = "organization"
	AttrPlan           = "plan"
	AttrApplication    = "application"
	AttrSubscriptionID = "subscription-id"
	AttrClientID       = "client-id"
	AttrUser           = "user"
	AttrContextPath    = "context-path"
)

// Internal attribute keys, hidden from expressions.
const (
	// InternalSubscription holds the *domain.Subscription bound by a security plan.
	InternalSubscription = "subscription"
	// InternalSecurityToken holds the raw credential presented by the caller.
	InternalSecurityToken = "security-token"
	// InternalResolvedFlows holds the flows resolved per scope for this request.
	InternalResolvedFlows = "flows.resolved"
	// InternalSkippedSteps holds the set of steps whose condition was false.
	InternalSkippedSteps = "steps.skipped"
	// InternalEndpoint holds the upstream base URL the exchange is forwarded to.
	InternalEndpoint = "endpoint"
)

// UnknownApplication is bound when a keyless plan admits an anonymous caller.
const UnknownApplication = "1"

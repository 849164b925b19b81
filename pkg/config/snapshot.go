package config

import "time"

// Snapshot is the YAML document holding the gateway definitions (DTO).
type Snapshot struct {
	Generation    int64              `json:"generation" yaml:"generation"`
	Organizations []OrganizationSpec `json:"organizations" yaml:"organizations"`
	APIs          []APISpec          `json:"apis" yaml:"apis"`
	Subscriptions []SubscriptionSpec `json:"subscriptions" yaml:"subscriptions"`
	APIKeys       []APIKeySpec       `json:"apiKeys" yaml:"api_keys"`
}

// OrganizationSpec declares the platform flows of an organization.
type OrganizationSpec struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	FlowMode string     `json:"flowMode" yaml:"flow_mode"`
	Flows    []FlowSpec `json:"flows" yaml:"flows"`
}

// APISpec declares one API.
type APISpec struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Version      string     `json:"version" yaml:"version"`
	Organization string     `json:"organization" yaml:"organization"`
	ContextPath  string     `json:"contextPath" yaml:"context_path"`
	Endpoint     string     `json:"endpoint" yaml:"endpoint"`
	Type         string     `json:"type" yaml:"type"`
	FlowMode     string     `json:"flowMode" yaml:"flow_mode"`
	Flows        []FlowSpec `json:"flows" yaml:"flows"`
	Plans        []PlanSpec `json:"plans" yaml:"plans"`
	ProductPlans []PlanSpec `json:"productPlans" yaml:"product_plans"`
}

// PlanSpec declares a consumer plan of an API.
type PlanSpec struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Order         int            `json:"order" yaml:"order"`
	Security      string         `json:"security" yaml:"security"`
	SecurityConf  map[string]any `json:"securityConfiguration" yaml:"security_configuration"`
	SelectionRule string         `json:"selectionRule" yaml:"selection_rule"`
	FlowMode      string         `json:"flowMode" yaml:"flow_mode"`
	Flows         []FlowSpec     `json:"flows" yaml:"flows"`
}

// FlowSpec declares a guarded policy list. Enabled defaults to true.
type FlowSpec struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Enabled   *bool          `json:"enabled" yaml:"enabled"`
	Selectors []SelectorSpec `json:"selectors" yaml:"selectors"`
	Request   []StepSpec     `json:"request" yaml:"request"`
	Response  []StepSpec     `json:"response" yaml:"response"`
}

// SelectorSpec is one guard of a flow; Type is http, channel or condition.
type SelectorSpec struct {
	Type      string   `json:"type" yaml:"type"`
	Path      string   `json:"path" yaml:"path"`
	Operator  string   `json:"operator" yaml:"operator"`
	Methods   []string `json:"methods" yaml:"methods"`
	Channel   string   `json:"channel" yaml:"channel"`
	Condition string   `json:"condition" yaml:"condition"`
}

// StepSpec declares one policy invocation. Enabled defaults to true.
type StepSpec struct {
	Name          string         `json:"name" yaml:"name"`
	Policy        string         `json:"policy" yaml:"policy"`
	Description   string         `json:"description" yaml:"description"`
	Enabled       *bool          `json:"enabled" yaml:"enabled"`
	Condition     string         `json:"condition" yaml:"condition"`
	Configuration map[string]any `json:"configuration" yaml:"configuration"`
}

// SubscriptionSpec declares a subscription of an application to a plan.
type SubscriptionSpec struct {
	ID          string            `json:"id" yaml:"id"`
	API         string            `json:"api" yaml:"api"`
	Plan        string            `json:"plan" yaml:"plan"`
	ClientID    string            `json:"clientId" yaml:"client_id"`
	Application string            `json:"application" yaml:"application"`
	StartingAt  time.Time         `json:"startingAt" yaml:"starting_at"`
	EndingAt    time.Time         `json:"endingAt" yaml:"ending_at"`
	Status      string            `json:"status" yaml:"status"`
	Metadata    map[string]string `json:"metadata" yaml:"metadata"`
}

// APIKeySpec declares an API key issued for a subscription.
type APIKeySpec struct {
	Key          string    `json:"key" yaml:"key"`
	API          string    `json:"api" yaml:"api"`
	Plan         string    `json:"plan" yaml:"plan"`
	Subscription string    `json:"subscription" yaml:"subscription"`
	Application  string    `json:"application" yaml:"application"`
	Revoked      bool      `json:"revoked" yaml:"revoked"`
	ExpireAt     time.Time `json:"expireAt" yaml:"expire_at"`
}

// Package security selects the authentication mechanism of a request and
// validates the subscription it presents.
//
// A Plan wraps one AuthenticationPolicy with the plan's selection rule. A
// Chain orders plans by the order their policies declare and commits to the
// first plan that can execute. Subscription lookup faults are recovered into
// the policy's invalid-subscription hook and never surface as raw errors.
package security

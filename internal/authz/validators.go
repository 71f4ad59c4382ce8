package authz

import (
	"crypto/subtle"
	"path"

	"github.com/ncecere/usage_meter/internal/apierror"
	"github.com/ncecere/usage_meter/internal/registry"
)

// evalContext carries the resolved entities a validator chain runs against.
type evalContext struct {
	request Request
	service registry.Service
	app     registry.Application
	user    registry.User
	hasUser bool
}

type validator func(*evalContext) *apierror.Error

// validatorChain is the ordered credential and state checks that run before
// limits: key, then referrer, then state, then user. Limits are
// deliberately evaluated last, outside this chain, so a rejection for an
// earlier reason never implies anything about quota. The chain
// short-circuits on the first failure.
var validatorChain = []validator{
	validateKey,
	validateReferrer,
	validateState,
	validateUser,
}

func runValidators(ec *evalContext) *apierror.Error {
	for _, v := range validatorChain {
		if err := v(ec); err != nil {
			return err
		}
	}
	return nil
}

func validateState(ec *evalContext) *apierror.Error {
	if !ec.app.Active() {
		return apierror.ApplicationNotActive()
	}
	return nil
}

func validateKey(ec *evalContext) *apierror.Error {
	if !ec.app.HasKeys() {
		return nil
	}
	for _, key := range ec.app.Keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(ec.request.AppKey)) == 1 {
			return nil
		}
	}
	return apierror.ApplicationKeyInvalid(ec.request.AppKey)
}

func validateReferrer(ec *evalContext) *apierror.Error {
	filters := ec.app.ReferrerFilters
	if len(filters) == 0 {
		return nil
	}
	referrer := ec.request.Referrer
	for _, filter := range filters {
		if filter == "*" {
			return nil
		}
		if referrer == "" {
			continue
		}
		if filter == referrer {
			return nil
		}
		if matched, err := path.Match(filter, referrer); err == nil && matched {
			return nil
		}
	}
	return apierror.ReferrerNotAllowed(referrer)
}

func validateUser(ec *evalContext) *apierror.Error {
	if !ec.app.UserRequired {
		return nil
	}
	if ec.request.UserID == "" {
		return apierror.UserNotDefined(ec.app.ID)
	}
	if ec.service.UserRegistrationRequired && !ec.hasUser {
		return apierror.UserRequiresRegistration(ec.service.ID, ec.request.UserID)
	}
	return nil
}

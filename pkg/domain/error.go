package domain

import "github.com/m-mizutani/goerr/v2"

var (
	ErrEntityNotFound            = goerr.New("entity not found", goerr.ID("entity_not_found"))
	ErrSpecificationNotValid     = goerr.New("specification not valid", goerr.ID("specification_not_valid"))
	ErrTestingServiceUnsupported = goerr.New("testing service not supported", goerr.ID("testing_service_unsupported"))
	ErrTestingService            = goerr.New("testing service error", goerr.ID("testing_service"))
	ErrRateLimitExceeded         = goerr.New("rate limit exceeded", goerr.ID("rate_limit_exceeded"))
	ErrNotAuthorized             = goerr.New("not authorized", goerr.ID("not_authorized"))
	ErrIllegalState              = goerr.New("illegal state", goerr.ID("illegal_state"))
	ErrInvalidArgument           = goerr.New("invalid argument", goerr.ID("invalid_argument"))
	ErrConfiguration             = goerr.New("configuration error", goerr.ID("configuration"))
)

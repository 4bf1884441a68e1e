package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/R3E-Network/numhub/infrastructure/errors"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

// writeError maps a domain *errors.ServiceError (or any error) to the
// standard error envelope, using the registered error's own code/message/
// HTTP status rather than the generic httputil typed-error mapping, since
// every domain service in this module (ledger, activation, provider)
// returns *errors.ServiceError.
func writeError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status := apperrors.GetHTTPStatus(err)
	if svcErr := apperrors.GetServiceError(err); svcErr != nil {
		if logger != nil {
			logger.WithContext(r.Context()).WithError(err).Warn("request failed")
		}
		httputil.WriteErrorResponse(w, r, status, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	if logger != nil {
		logger.WithContext(r.Context()).WithError(err).Error("unhandled request error")
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "SYSTEM_UNKNOWN", "internal server error", nil)
}

// pathVar reads a gorilla/mux path variable.
func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// pageParams converts the external interface's 1-based page/limit query
// params into the offset/limit pair the repository layer expects.
func pageParams(r *http.Request) (offset, limit int) {
	limit = httputil.QueryInt(r, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if limit < 1 {
		limit = 1
	}
	page := httputil.QueryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit, limit
}

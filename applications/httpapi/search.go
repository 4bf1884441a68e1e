package httpapi

import (
	"net/http"

	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/search"
)

// SearchHandlers serves the public /search endpoints.
type SearchHandlers struct {
	store  *search.Store
	logger *logging.Logger
}

// NewSearchHandlers builds SearchHandlers backed by store.
func NewSearchHandlers(store *search.Store, logger *logging.Logger) *SearchHandlers {
	return &SearchHandlers{store: store, logger: logger}
}

type servicesResponse struct {
	Items []search.ServiceAggregate `json:"items"`
	Total int                       `json:"total"`
	Page  int                       `json:"page"`
	Limit int                       `json:"limit"`
}

// Services handles GET /search/services?q&page&limit&sort.
func (h *SearchHandlers) Services(w http.ResponseWriter, r *http.Request) {
	q := httputil.QueryString(r, "q", "")
	page := httputil.QueryInt(r, "page", 1)
	limit := httputil.QueryInt(r, "limit", defaultPageSize)
	sortMode := search.SortMode(httputil.QueryString(r, "sort", string(search.SortRelevance)))

	items, err := h.store.SearchServices(r.Context(), q, sortMode, search.Pagination{Page: page, PageSize: limit})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, servicesResponse{Items: items, Total: len(items), Page: page, Limit: limit})
}

type countriesResponse struct {
	Countries []search.CountryAggregate `json:"countries"`
	Total     int                       `json:"total"`
}

// Countries handles GET /search/countries?service&q.
func (h *SearchHandlers) Countries(w http.ResponseWriter, r *http.Request) {
	service := httputil.QueryString(r, "service", "")
	q := httputil.QueryString(r, "q", "")
	if service == "" {
		httputil.BadRequest(w, "service is required")
		return
	}
	countries, err := h.store.SearchCountries(r.Context(), service, q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, countriesResponse{Countries: countries, Total: len(countries)})
}

type providersResponse struct {
	Providers []search.Document `json:"providers"`
	Total     int               `json:"total"`
}

// Providers handles GET /search/providers?service&country.
func (h *SearchHandlers) Providers(w http.ResponseWriter, r *http.Request) {
	service := httputil.QueryString(r, "service", "")
	country := httputil.QueryString(r, "country", "")
	if service == "" || country == "" {
		httputil.BadRequest(w, "service and country are required")
		return
	}
	offers, err := h.store.SearchProviders(r.Context(), service, country)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, providersResponse{Providers: offers, Total: len(offers)})
}

package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/httputil"
)

// ServiceInfoHandler serves mls.ds.getServiceInfo: an opaque capability descriptor for clients
// negotiating which MLS cipher suite to use, with no per-request validation against it.
type ServiceInfoHandler struct {
	serviceDID    string
	version       string
	cipherSuites  []uint16
}

// NewServiceInfoHandler creates a ServiceInfoHandler. cipherSuites is the list of MLS cipher suite
// identifiers this deployment accepts; it is advertised as-is, not cross-checked against any request.
func NewServiceInfoHandler(serviceDID, version string, cipherSuites []uint16) *ServiceInfoHandler {
	return &ServiceInfoHandler{serviceDID: serviceDID, version: version, cipherSuites: cipherSuites}
}

type serviceInfoResponse struct {
	ServiceDID     string   `json:"serviceDid"`
	Version        string   `json:"version"`
	CipherSuites   []uint16 `json:"cipherSuites"`
}

// ServiceInfo handles GET /xrpc/mls.ds.getServiceInfo.
func (h *ServiceInfoHandler) ServiceInfo(c fiber.Ctx) error {
	return httputil.Success(c, serviceInfoResponse{
		ServiceDID:   h.serviceDID,
		Version:      h.version,
		CipherSuites: h.cipherSuites,
	})
}

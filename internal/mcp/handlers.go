package mcp

import (
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
)

// Handler serves the MCP tools over streamable HTTP. Requests must pass the
// gateway user middleware first: tools read the caller from the request
// context.
type Handler struct {
	service    *Service
	httpServer *server.StreamableHTTPServer
}

func NewHandler(service *Service, endpointPath string) *Handler {
	return &Handler{
		service: service,
		httpServer: server.NewStreamableHTTPServer(service.GetMCPServer(),
			server.WithEndpointPath(endpointPath),
			server.WithStateLess(true),
		),
	}
}

func (h *Handler) HandleMCPAny(c *gin.Context) {
	h.httpServer.ServeHTTP(c.Writer, c.Request)
}

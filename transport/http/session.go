package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SessionInfo describes the accounts and capabilities a session object
// advertises; supplied by the service embedding this engine.
type SessionInfo struct {
	APIURL          string
	Accounts        map[string]map[string]any
	PrimaryAccounts map[string]string
	Capabilities    map[string]any
	State           string
}

// Session serves GET /jmap/session, the RFC 8620 §2 discovery endpoint
// every real JMAP deployment needs alongside POST /jmap.
func Session(info func(c *gin.Context) SessionInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := info(c)
		c.JSON(http.StatusOK, gin.H{
			"capabilities":    s.Capabilities,
			"accounts":        s.Accounts,
			"primaryAccounts": s.PrimaryAccounts,
			"apiUrl":          s.APIURL,
			"state":           s.State,
		})
	}
}

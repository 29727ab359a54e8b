package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/gin-gonic/gin"
)

const claimKey = "terminalClaim"

// TerminalAuth rejects requests without a valid session token. The token may come in the
// "token" header or as an Authorization bearer.
func TerminalAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("token"))
		if token == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claim, err := utils.JwtValidate(secret, token)
		if err != nil || claim.TerminalId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetTerminalIdInContext(ctx, claim.TerminalId)
		ctx = utils.SetIsPrimaryInContext(ctx, claim.IsPrimary)
		c.Request = c.Request.WithContext(ctx)
		c.Set(claimKey, claim)
		c.Next()
	}
}

// RequirePrimary only lets the master terminal through. Use after TerminalAuth.
func RequirePrimary() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPrimary, _ := utils.GetIsPrimaryFromContext(c.Request.Context()); !isPrimary {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the primary terminal may do this"})
			return
		}
		c.Next()
	}
}

func Claim(c *gin.Context) *utils.TerminalClaim {
	raw, _ := c.Get(claimKey)
	claim, _ := raw.(*utils.TerminalClaim)
	return claim
}

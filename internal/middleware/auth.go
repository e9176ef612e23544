package middleware

import (
	"strings"

	"esign-workflow/auth"
	apiError "esign-workflow/internal/errors"

	"github.com/gin-gonic/gin"
)

// OwnerAuth guards the owner routes. The bearer token's subject becomes
// owner_id for the handlers.
func OwnerAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			ctx.Error(apiError.Unauthorized("Authorization is not found!", nil))
			ctx.Abort()
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		parsedToken, err := auth.VerifyJWT(token)
		if err != nil {
			ctx.Error(apiError.Unauthorized("Invalid token!", err))
			ctx.Abort()
			return
		}

		ownerID, err := auth.OwnerFromToken(parsedToken)
		if err != nil {
			ctx.Error(apiError.Unauthorized("Invalid token!", err))
			ctx.Abort()
			return
		}

		ctx.Set("owner_id", ownerID)
		ctx.Next()
	}
}

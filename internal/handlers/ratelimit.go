package handlers

import (
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth/limiter"
	"github.com/didip/tollbooth_gin"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

const tooManyRequestsMessage = "Too many lookups from this address. Please wait a moment and try again."

// perIPLimiter throttles each client address to perSecond requests.
// Forwarding headers are client controlled, so they only count when trustProxy is set.
func perIPLimiter(perSecond float64, trustProxy, asJSON bool) gin.HandlerFunc {
	lmt := tollbooth.NewLimiter(perSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: time.Minute,
	})
	if trustProxy {
		lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	} else {
		lmt.SetIPLookups([]string{"RemoteAddr"})
	}

	if asJSON {
		body, _ := json.Marshal(map[string]string{"error": tooManyRequestsMessage})
		lmt.SetMessageContentType("application/json")
		lmt.SetMessage(string(body))
	} else {
		lmt.SetMessageContentType("text/plain; charset=utf-8")
		lmt.SetMessage(tooManyRequestsMessage)
	}

	return tollbooth_gin.LimitHandler(lmt)
}

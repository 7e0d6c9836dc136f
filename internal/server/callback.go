package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/oauth"
)

// handleOAuthCallback receives the provider redirect, fans the parameters
// out to every waiting authorization run, and renders a page telling the
// user whether the parameters matched a pending attempt.
func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := oauth.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	delivered := g.broker.Deliver(params)
	g.logger.Info("authorization callback received",
		zap.String("state", params.State),
		zap.Bool("provider_error", params.Error != ""),
		zap.Int("delivered", delivered))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if params.Error != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(callbackPage("Authorization failed",
			"The authorization server reported: "+params.Error+". You can close this window and retry from the application.")))
		return
	}

	// The page only confirms success when the state matches a pending
	// authorization attempt; the waiting run does its own matching.
	if params.State == "" || g.oauthSessions.PeekByState(params.State) == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(callbackPage("Authorization failed",
			"This callback does not match any pending authorization attempt. It may have expired; please retry from the application.")))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(callbackPage("Authorization complete",
		"You can close this window and return to the application.")))
}

func callbackPage(title, body string) string {
	return `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>` + title + `</title>
<style>
body { font-family: -apple-system, sans-serif; display: flex; justify-content: center; margin-top: 15vh; background: #fafafa; }
div { max-width: 28rem; text-align: center; }
h1 { font-size: 1.4rem; }
p { color: #555; }
</style>
</head>
<body><div><h1>` + title + `</h1><p>` + body + `</p></div></body>
</html>`
}

package synckit

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"
)

const callbackWaitTimeout = 3 * time.Minute

type callbackResult struct {
	code  string
	state string
}

// CallbackCodeFlow implements CodeFlow with a local redirect listener: it
// opens the authorization URL in the user's browser and waits for the
// provider to redirect back with a code.
type CallbackCodeFlow struct {
	listenAddr string
	openURL    func(target string) error
}

// NewCallbackCodeFlow constructs the flow listening on listenAddr.
func NewCallbackCodeFlow(listenAddr string) *CallbackCodeFlow {
	return &CallbackCodeFlow{
		listenAddr: listenAddr,
		openURL:    openInBrowser,
	}
}

// Authorize serves /callback, opens authURL, and blocks until the redirect
// arrives, the context is done, or the wait times out.
func (flow *CallbackCodeFlow) Authorize(ctx context.Context, authURL string) (string, string, error) {
	resultChannel := make(chan callbackResult, 1)
	errorChannel := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(writer http.ResponseWriter, request *http.Request) {
		query := request.URL.Query()
		if providerErr := query.Get("error"); providerErr != "" {
			description := query.Get("error_description")
			select {
			case errorChannel <- fmt.Errorf("provider error: %s: %s", providerErr, description):
			default:
			}
			writePage(writer, "Authorization failed: "+html.EscapeString(description))
			return
		}
		code := query.Get("code")
		if code == "" {
			select {
			case errorChannel <- errors.New("no authorization code in redirect"):
			default:
			}
			writePage(writer, "Authorization failed: no code received.")
			return
		}
		select {
		case resultChannel <- callbackResult{code: code, state: query.Get("state")}:
		default:
		}
		writePage(writer, "Authorization complete. You can close this window.")
	})

	listener, listenErr := net.Listen("tcp", flow.listenAddr)
	if listenErr != nil {
		return "", "", fmt.Errorf("code_flow.listen: %w", listenErr)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case errorChannel <- serveErr:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if openErr := flow.openURL(authURL); openErr != nil {
		return "", "", fmt.Errorf("code_flow.open: %w", openErr)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, callbackWaitTimeout)
	defer waitCancel()
	select {
	case result := <-resultChannel:
		return result.code, result.state, nil
	case flowErr := <-errorChannel:
		return "", "", fmt.Errorf("code_flow.callback: %w", flowErr)
	case <-waitCtx.Done():
		return "", "", fmt.Errorf("code_flow.wait: %w", waitCtx.Err())
	}
}

func writePage(writer http.ResponseWriter, message string) {
	writer.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(writer, "<html><body><p>%s</p></body></html>", message)
}

func openInBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}

package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"droidtour/internal/auth"
	"droidtour/internal/config"
)

// IssueToken asks the running server's admin API for a bearer token and
// prints it to out.
func IssueToken(out io.Writer, req auth.TokenRequest, cfg *config.Config) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/tokens", cfg.AdminAddr)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.AdminPassword != "" {
		httpReq.SetBasicAuth("admin", cfg.AdminPassword)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nToken Issued Successfully!\n")
	fmt.Fprintf(out, "User:     %s (%s, %s)\n", result.User.ID, result.User.DisplayName, result.User.Role)
	fmt.Fprintf(out, "Expires:  %s\n", time.Unix(result.TokenExpiry, 0).Format(time.RFC3339))
	fmt.Fprintf(out, "Token:    %s\n\n", result.Token)
	fmt.Fprintf(out, "Connect with: %s/api/chat?token=<token>\n", cfg.BaseURL)
	return nil
}

package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"alaschat/internal/api"
	"alaschat/internal/config"
)

// SetIdentity stores the session credentials in a running client through
// its local view API.
func SetIdentity(req api.SetIdentityRequest, cfg *config.Config) error {
	return setIdentity(http.DefaultClient, req, "http://"+cfg.ViewAddr)
}

func setIdentity(client *http.Client, req api.SetIdentityRequest, baseURL string) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPut, baseURL+"/api/identity", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call view API: %w. Is the client running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to set identity (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.IdentityResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nIdentity stored.\n")
	fmt.Printf("User ID:            %s\n", result.UserID)
	fmt.Printf("User name:          %s\n", result.UserName)
	if !result.CanAuthenticate {
		fmt.Println("User ID or name is missing: the client will connect in read-only mode.")
	}
	return nil
}

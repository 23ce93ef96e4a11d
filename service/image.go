package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"StoryPack-server/config"
)

// ImageGenerator 图像能力契约
type ImageGenerator interface {
	Generate(ctx context.Context, params ImageParams) ([]byte, error)
}

type ImageParams struct {
	Prompt      string
	Style       string
	AspectRatio string
	Seed        *int64
}

type imageApiRequest struct {
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Number         int    `json:"n"`
	Seed           *int64 `json:"seed,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageApiResponse struct {
	Data []struct {
		B64Json string `json:"b64_json"`
	} `json:"data"`
}

// ImageClient b64 JSON 响应风格的生图 HTTP 客户端
type ImageClient struct {
	apiUrl string
	apiKey string
	client *http.Client
}

func NewImageClient(cfg *config.Config) *ImageClient {
	timeout := time.Duration(cfg.Image.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ImageClient{
		apiUrl: cfg.Image.ApiUrl,
		apiKey: cfg.Image.ApiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (i *ImageClient) Generate(ctx context.Context, params ImageParams) ([]byte, error) {
	prompt := params.Prompt
	if params.Style != "" {
		prompt = fmt.Sprintf("%s, in %s style", prompt, params.Style)
	}
	reqBody := imageApiRequest{
		Prompt:         prompt,
		Size:           sizeForAspect(params.AspectRatio),
		Number:         1,
		Seed:           params.Seed,
		ResponseFormat: "b64_json",
	}
	jsonPayload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiUrl, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+i.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newProviderError("image", resp.StatusCode, body)
	}

	var imageResp imageApiResponse
	if err := json.Unmarshal(body, &imageResp); err != nil {
		return nil, fmt.Errorf("decode response failed: %w", err)
	}
	if len(imageResp.Data) == 0 {
		return nil, fmt.Errorf("image response has no data")
	}

	decoded, err := base64.StdEncoding.DecodeString(imageResp.Data[0].B64Json)
	if err != nil {
		return nil, fmt.Errorf("decode image failed: %w", err)
	}
	return decoded, nil
}

func sizeForAspect(aspect string) string {
	switch aspect {
	case "16:9":
		return "1792x1024"
	case "9:16":
		return "1024x1792"
	default:
		return "1024x1024"
	}
}

package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/photocircuit/internal/llm"
)

const (
	userTag      = "\nUSER:"
	assistantTag = "\nASSISTANT:"

	// llama.cpp references attached images by id inside the prompt
	firstImageID = 10
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_predict":         400,
	"n_probs":           0,
	"temperature":       0.7,
	"stop":              []string{"</s>", "USER:", "ASSISTANT:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type llama struct {
	srvAddr string
	seed    int

	client *http.Client
}

var (
	_ llm.ChatModel     = &llama{}
	_ llm.HealthChecker = &llama{}
)

func Init(srvAddr string, seed int, httpClient *http.Client) *llama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &llama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		seed:    seed,
		client:  httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

// Model is whatever the server was started with, the API does not say.
func (l *llama) Model() string { return "llava" }

func (l *llama) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.srvAddr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (l *llama) Complete(ctx context.Context, msgs []llm.Message, s llm.Settings) (string, error) {
	prompt, images := buildPrompt(msgs)

	keys := jsonmap{"temperature": s.Temperature}
	if s.MaxTokens > 0 {
		keys["n_predict"] = s.MaxTokens
	}
	if len(images) > 0 {
		keys["image_data"] = images
	}

	return l.sendRequest(ctx, prompt, false, keys)
}

// buildPrompt flattens a conversation into the single prompt string the
// completion endpoint takes. Each image is replaced by an [img-N] marker and
// returned separately for the image_data field.
func buildPrompt(msgs []llm.Message) (string, []jsonmap) {
	var (
		sb     strings.Builder
		images []jsonmap
	)
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			sb.WriteString(m.Text)
		default:
			sb.WriteString(userTag)
			for _, img := range m.Images {
				id := firstImageID + len(images)
				fmt.Fprintf(&sb, "[img-%d]", id)
				images = append(images, jsonmap{"data": img.Data, "id": id})
			}
			sb.WriteString(m.Text)
		}
	}
	sb.WriteString(assistantTag)

	return sb.String(), images
}

func (l *llama) sendRequest(ctx context.Context, prompt string, stream bool, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = stream
	data["seed"] = l.seed

	buf := bytes.NewBuffer(make([]byte, 0, 2_000_000)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(&data)
	if err != nil {
		return "", err
	}
	br := bytes.NewReader(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", br)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llama server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	lr.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for !respbody.Stop {
		if !lr.Scan() {
			if err := lr.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("llama response ended before stop")
		}
		line := lr.Text()
		// The empty line appears after a JSON body
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", fmt.Errorf("missing `data: ` prefix")
			}
		}

		if err := json.Unmarshal([]byte(line), &respbody); err != nil {
			return "", err
		}
		content.WriteString(respbody.Content)
	}

	return strings.TrimLeft(content.String(), " "), nil
}

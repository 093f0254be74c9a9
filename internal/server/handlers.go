package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/chatrelay/internal/models"
)

// historyLimit caps the number of messages returned by the history API.
const historyLimit = 100

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay server is running!")
}

type historyResponse struct {
	Messages []*models.Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HistoryHandler returns the private conversation between the bearer of the
// Authorization token and the user named by the peerId path variable.
func (h *Hub) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.metrics.authFailures.Inc()
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing token"})
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.metrics.authFailures.Inc()
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
		return
	}

	peerID, err := strconv.ParseInt(mux.Vars(r)["peerId"], 10, 64)
	if err != nil || peerID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid peer id"})
		return
	}

	messages, err := h.store.PrivateMessages(r.Context(), identity.ID, peerID, historyLimit)
	if err != nil {
		h.logger.Error("failed to load private history", "user_id", identity.ID, "peer_id", peerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load messages"})
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: messages})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error writing JSON response", "error", err)
	}
}

// TestPageHandler serves an HTML test page for testing WebSocket functionality.
// It provides a simple web interface to connect with a token, send group and
// private messages, and view the raw event stream.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>chatrelay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            width: 300px;
            padding: 5px;
            margin-right: 10px;
        }
        input.short { width: 120px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>chatrelay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="toInput" class="short" placeholder="To (empty = everyone)" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const toInput = document.getElementById('toInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(message, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';
            messageElement.textContent = message;

            if (type === 'sent') {
                messageElement.style.color = 'blue';
            } else if (type === 'received') {
                messageElement.style.color = 'green';
            } else {
                messageElement.style.color = 'gray';
                messageElement.style.fontStyle = 'italic';
            }

            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = connected ? 'status connected' : 'status disconnected';
            toInput.disabled = !connected;
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            tokenInput.disabled = connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(tokenInput.value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);

            ws.onopen = function() {
                addMessage('Connected to chatrelay server');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                addMessage(event.data, 'received');
            };

            ws.onclose = function(event) {
                addMessage('Connection closed (' + event.code + (event.reason ? ': ' + event.reason : '') + ')');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addMessage('Connection error');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (!text || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const to = toInput.value.trim();
            const frame = to ? { type: 'private', to: to, text: text } : { type: 'chat', text: text };
            const payload = JSON.stringify(frame);
            ws.send(payload);
            addMessage(payload, 'sent');
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Error("error writing HTML response", "error", err)
	}
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/vaultchat/internal/gateway"
	"github.com/ashureev/vaultchat/internal/identity"
	"github.com/ashureev/vaultchat/internal/reflection"
)

// ToolInvoker runs a single gateway tool. *gateway.Provider satisfies it.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, args *structpb.Struct) (gateway.Result, error)
}

// VaultModifyRequest is the body of /vault/modify.
type VaultModifyRequest struct {
	Operation   string `json:"operation"`
	FilePath    string `json:"filePath"`
	Content     string `json:"content,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// VaultModifyResponse reports the outcome of a direct vault change.
type VaultModifyResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FilePath string `json:"filePath"`
}

// vaultOperations maps /vault/modify operations to gateway tools.
var vaultOperations = map[string]string{
	"delete": reflection.ToolDeleteFile,
	"patch":  reflection.ToolPatchContent,
	"modify": reflection.ToolPatchContent,
	"append": reflection.ToolAppendContent,
	"move":   reflection.ToolMoveFile,
}

// VaultHandler serves direct vault operations that bypass the chat turn.
type VaultHandler struct {
	tools       ToolInvoker
	maxBodySize int64
	logger      *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(tools ToolInvoker, maxBodySize int64, logger *slog.Logger) *VaultHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VaultHandler{tools: tools, maxBodySize: maxBodySize, logger: logger}
}

// HandleModify handles POST /vault/modify. Tool failures are reported in the
// body with HTTP 200; only bad requests and an unreachable gateway change the status.
func (h *VaultHandler) HandleModify(w http.ResponseWriter, r *http.Request) {
	var req VaultModifyRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	tool, ok := vaultOperations[strings.ToLower(strings.TrimSpace(req.Operation))]
	if !ok {
		Error(w, http.StatusBadRequest, "unsupported operation")
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		Error(w, http.StatusBadRequest, "filePath is required")
		return
	}
	if tool == reflection.ToolMoveFile && strings.TrimSpace(req.Destination) == "" {
		Error(w, http.StatusBadRequest, "destination is required for move")
		return
	}

	fields := map[string]any{"filepath": req.FilePath}
	if req.Content != "" {
		fields["content"] = req.Content
	}
	if req.Destination != "" {
		fields["destination"] = req.Destination
	}
	args, err := gateway.ArgsFromMap(fields)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid arguments")
		return
	}

	h.logger.Info("Vault modify request",
		"user_id", identity.UserIDFromContext(r.Context()),
		"operation", req.Operation,
		"tool", tool,
		"file_path", req.FilePath,
	)

	res, err := h.tools.InvokeTool(r.Context(), tool, args)
	if err != nil {
		h.logger.Warn("Vault modify failed", "tool", tool, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, gateway.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		JSON(w, status, VaultModifyResponse{Success: false, Message: err.Error(), FilePath: req.FilePath})
		return
	}

	message := res.Text
	if message == "" && !res.IsError {
		message = "Done"
	}
	JSON(w, http.StatusOK, VaultModifyResponse{
		Success:  !res.IsError,
		Message:  message,
		FilePath: req.FilePath,
	})
}

// HandleNotImplemented answers vault endpoints that are reserved but not built.
func HandleNotImplemented(w http.ResponseWriter, _ *http.Request) {
	Error(w, http.StatusNotImplemented, "not implemented")
}

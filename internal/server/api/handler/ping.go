package handler

import (
	"log/slog"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
)

// Version is reported by ping. It is set at build time.
var Version = "dev"

// Ping returns a handler that identifies the server.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		return respond(res, apitypes.PingResponse{Server: "usbtest", Version: Version})
	}
}

package server

import (
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/protocol"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/stream"
)

// encodeResponse marshals a response for transports that carry whole
// documents per message instead of a framed byte stream
func encodeResponse(resp protocol.Response) ([]byte, error) {
	data, err := bson.Marshal(resp)
	if err != nil {
		return nil, errors.WrapInvalid(err, "server", "encodeResponse", "BSON marshal")
	}
	return data, nil
}

// dispatcher turns one framed wire document into the single response owed to
// the peer. Shared by the TCP and WebSocket servers so both transports carry
// identical command semantics.
type dispatcher struct {
	handler *protocol.Handler
	manager *stream.Manager
	logger  *slog.Logger
}

// dispatch decodes and executes one request. Every request gets exactly one
// response; commands the system does not act on are acknowledged as success
// so a controller never stalls waiting for a reply.
func (d *dispatcher) dispatch(frame []byte) protocol.Response {
	doc, err := protocol.DecodeDocument(frame)
	if err != nil {
		d.logger.Warn("Failed to decode message body", "error", err)
		return protocol.FailureResponse(err)
	}

	env, err := d.handler.ParseEnvelope(doc)
	if err != nil {
		d.logger.Warn("Malformed message envelope", "error", err)
		return protocol.FailureResponse(err)
	}
	if env == nil {
		// Unsupported command, already logged by the handler
		return protocol.SuccessResponse()
	}

	switch env.Command {
	case protocol.CommandSetLUT:
		return d.handleSetLUT(env)
	case protocol.CommandSetCDL:
		// Reserved for color decision list support; acknowledged without
		// further processing
		d.logger.Info("Received setCDL", "arguments", len(env.Arguments))
		return protocol.SuccessResponse()
	default:
		return protocol.SuccessResponse()
	}
}

func (d *dispatcher) handleSetLUT(env *protocol.Envelope) protocol.Response {
	cube, residual, err := d.handler.HandleSetLUT(env.Arguments)
	if err != nil {
		d.logger.Warn("Failed to decode LUT payload", "error", err)
		return protocol.FailureResponse(err)
	}

	channel := d.handler.Channel(env)
	if err := d.manager.Process(cube, channel); err != nil {
		d.logger.Error("Failed to publish LUT",
			"channel", channel, "size", cube.Size, "error", err)
		return protocol.FailureResponse(err)
	}

	d.logger.Debug("Processed setLUT",
		"channel", channel, "size", cube.Size, "residual_args", residual)
	return protocol.SuccessResponse()
}

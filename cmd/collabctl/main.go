// Command collabctl is a smoke-test client for collabd: it dials a
// document's WebSocket endpoint, applies an insert and a delete to its own
// shadow of the document, waits for the round trip to settle, and dumps the
// resulting state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/syncsvc"
	"github.com/harborgrid-justin/collabcore/internal/telemetry"
	"github.com/harborgrid-justin/collabcore/internal/transport"
	"github.com/harborgrid-justin/collabcore/pkg/crdtdoc"
	"github.com/harborgrid-justin/collabcore/pkg/vclock"
	"github.com/harborgrid-justin/collabcore/pkg/wire"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8088/ws", "collabd websocket base URL")
	document := flag.String("document", "smoke-test", "document id to join")
	peer := flag.String("peer", "", "peer id (defaults to a generated one)")
	insertText := flag.String("insert", "hello, world", "text to insert at -insert-pos")
	insertPos := flag.Int("insert-pos", 0, "offset at which to insert -insert")
	deletePos := flag.Int("delete-pos", 0, "offset at which to delete -delete-len runes")
	deleteLen := flag.Int("delete-len", 0, "number of runes to delete at -delete-pos (0 skips the delete)")
	settle := flag.Duration("settle", 2*time.Second, "how long to wait for the sync round trip before dumping state")
	flag.Parse()

	if *peer == "" {
		*peer = fmt.Sprintf("collabctl-%d", time.Now().UnixNano())
	}

	logger, err := telemetry.NewLogger("info", "console")
	if err != nil {
		log.Fatalf("collabctl: logger: %v", err)
	}
	defer logger.Sync()

	doc := crdtdoc.New(*peer)

	url := fmt.Sprintf("%s?document=%s&peer=%s", *addr, *document, *peer)
	var cm *transport.ConnectionManager
	syncSvc := syncsvc.New(*peer, config.Sync{BatchSize: 32, RetryAttempts: 3, RetryDelay: 500 * time.Millisecond}, func(msg wire.Message) error {
		return cm.Send(msg)
	}, logger, nil)

	var lastCheckpoint crdtdoc.DocumentState
	cm = transport.NewConnectionManager(config.Connection{
		URL:               url,
		Reconnect:         true,
		ReconnectAttempts: 5,
		ReconnectInterval: time.Second,
		HeartbeatInterval: 10 * time.Second,
		Timeout:           5 * time.Second,
	}, transport.NewWebSocketDialer(url, http.Header{}), logger, nil)

	cm.OnMessage(func(msg wire.Message) {
		switch msg.Type {
		case wire.OpCheckpoint:
			if err := json.Unmarshal(msg.Payload, &lastCheckpoint); err != nil {
				logger.WithError(err).Warn("collabctl: malformed checkpoint")
				return
			}
			fmt.Printf("checkpoint received: %q (clock=%v)\n", lastCheckpoint.Content, lastCheckpoint.Clock)
		case wire.OpSync:
			applied, err := syncSvc.ProcessSyncMessage(msg, doc.Clock())
			if err != nil {
				// Held manual conflicts are non-fatal; applied may still
				// hold operations that reconciled cleanly.
				logger.WithError(err).Warn("collabctl: sync message held one or more conflicts")
			}
			ids := make([]string, 0, len(applied))
			for _, op := range applied {
				if err := doc.ApplyRemoteOperation(op); err != nil {
					logger.WithError(err).Warn("collabctl: failed to apply remote operation")
					continue
				}
				ids = append(ids, op.ID)
			}
			if len(ids) > 0 {
				if ack, err := syncSvc.BuildAck(ids); err == nil {
					if err := cm.Send(ack); err != nil {
						logger.WithError(err).Warn("collabctl: failed to send ack")
					}
				}
			}
		case wire.OpAck:
			var ack syncsvc.AckPayload
			if err := json.Unmarshal(msg.Payload, &ack); err != nil {
				logger.WithError(err).Warn("collabctl: malformed ack")
				return
			}
			syncSvc.HandleAck(ack.OperationIDs)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cm.Connect(ctx); err != nil {
		log.Fatalf("collabctl: connect: %v", err)
	}
	defer cm.Disconnect()

	if *insertText != "" {
		op, err := doc.Insert(*insertText, *insertPos, *peer)
		if err != nil {
			log.Fatalf("collabctl: insert: %v", err)
		}
		syncSvc.AddOperation(op)
	}
	if *deleteLen > 0 {
		op, err := doc.Delete(*deletePos, *deleteLen, *peer)
		if err != nil {
			log.Fatalf("collabctl: delete: %v", err)
		}
		syncSvc.AddOperation(op)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := syncSvc.Flush(flushCtx); err != nil {
		logger.WithError(err).Warn("collabctl: flush failed")
	}

	time.Sleep(*settle)

	state := doc.GetState()
	dump := struct {
		Document   string       `json:"document"`
		Peer       string       `json:"peer"`
		Content    string       `json:"content"`
		Checksum   uint32       `json:"checksum"`
		Clock      vclock.Clock `json:"clock"`
		Checkpoint string       `json:"lastServerCheckpoint"`
	}{
		Document:   *document,
		Peer:       *peer,
		Content:    state.Content,
		Checksum:   state.Checksum,
		Clock:      state.Clock,
		Checkpoint: lastCheckpoint.Content,
	}
	out, _ := json.MarshalIndent(dump, "", "  ")
	fmt.Fprintln(os.Stdout, string(out))
}

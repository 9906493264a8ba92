package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/logging"
)

const (
	pathAppendEntries   = "/append_entries"
	pathInstallSnapshot = "/install_snapshot"
	pathSlice           = "/slice"
)

// RaftClient is the HTTP transport between nodes. Send never blocks: every request
// runs in its own goroutine and the reply is handed to deliver.
type RaftClient struct {
	mx sync.RWMutex
	// peers maps a peer ID to its address, e.g. 2 -> "raft-node-2:8000"
	peers map[raft.PeerID]string

	httpClient *http.Client
	deliver    func(raft.Message)
	logger     logging.Logger
}

func NewRaftClient(peers map[raft.PeerID]string, timeout time.Duration, deliver func(raft.Message), logger logging.Logger) *RaftClient {
	var addresses = make(map[raft.PeerID]string, len(peers))
	for id, addr := range peers {
		addresses[id] = addr
	}

	return &RaftClient{
		peers:      addresses,
		httpClient: &http.Client{Timeout: timeout},
		deliver:    deliver,
		logger:     logger,
	}
}

func (c *RaftClient) SetPeer(id raft.PeerID, address string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.peers[id] = address
}

func (c *RaftClient) HasPeer(id raft.PeerID) bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	_, ok := c.peers[id]
	return ok
}

func (c *RaftClient) address(id raft.PeerID) (string, error) {
	c.mx.RLock()
	defer c.mx.RUnlock()

	addr, ok := c.peers[id]
	if !ok {
		return "", errors.Newf("unknown peer %d", id)
	}
	return addr, nil
}

func (c *RaftClient) Send(to raft.PeerID, msg raft.Message) {
	switch m := msg.(type) {
	case raft.AppendEntries:
		go func() {
			var reply raft.AppendEntriesReply
			if err := c.post(context.Background(), to, pathAppendEntries, m, &reply); err != nil {
				c.logger.Debug("AppendEntries failed", "to", to, "err", err)
				return
			}
			c.deliver(reply)
		}()

	case raft.InstallSnapshot:
		go func() {
			var reply raft.InstallSnapshotReply
			if err := c.post(context.Background(), to, pathInstallSnapshot, m, &reply); err != nil {
				c.logger.Warn("InstallSnapshot failed", "to", to, "chunk", m.ChunkIndex, "err", err)
				return
			}
			c.deliver(reply)
		}()

	default:
		c.logger.Error("message can't be sent over http", "to", to, "message", fmt.Sprintf("%T", msg))
	}
}

// post sends req as JSON to the peer and decodes the answer into resp, if resp is not nil
func (c *RaftClient) post(ctx context.Context, to raft.PeerID, path string, req interface{}, resp interface{}) error {
	addr, err := c.address(to)
	if err != nil {
		return err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "encode %s request", path)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", addr, path), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "post %s to peer %d", path, to)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return errors.Newf("unexpected status code: %d", httpResp.StatusCode)
	}

	if resp == nil || httpResp.StatusCode == http.StatusAccepted {
		return nil
	}

	if err = json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}

	return nil
}

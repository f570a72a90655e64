package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alpacahq/replicatedtree/frontend"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils/rpc/msgpack2"
)

const serviceName = "ReplicaService"

type Client struct {
	BaseURL string
	http    *http.Client
}

// NewClient intializes a new replica RPC client.
func NewClient(baseurl string, timeout time.Duration) (*Client, error) {
	if _, err := url.Parse(baseurl); err != nil {
		return nil, err
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseurl, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// DoRPC calls ReplicaService.<method> with the msgpack2 codec and decodes
// the result into reply. Failed calls return a *msgpack2.Error whose code
// tells readonly, not-leader and timeout failures apart.
func (cl *Client) DoRPC(ctx context.Context, method string, args, reply interface{}) error {
	if args == nil {
		return fmt.Errorf("args must be non-nil - have: args: %v", args)
	}
	return msgpack2.Call(ctx, cl.http, cl.BaseURL+"/rpc", serviceName+"."+method, args, reply)
}

func (cl *Client) Status(ctx context.Context, withZooKeeper bool) (*replication.ReplicaStatus, error) {
	reply := &replication.ReplicaStatus{}
	err := cl.DoRPC(ctx, "Status", &frontend.StatusArgs{WithZooKeeper: withZooKeeper}, reply)
	return reply, err
}

func (cl *Client) Queue(ctx context.Context, filter string) ([]replication.QueueEntryStatus, error) {
	reply := &frontend.QueueReply{}
	err := cl.DoRPC(ctx, "Queue", &frontend.QueueArgs{Filter: filter}, reply)
	return reply.Entries, err
}

func (cl *Client) Delay(ctx context.Context) (*frontend.DelayReply, error) {
	reply := &frontend.DelayReply{}
	err := cl.DoRPC(ctx, "Delay", &frontend.NoArgs{}, reply)
	return reply, err
}

func (cl *Client) Mutations(ctx context.Context) ([]replication.MutationStatus, error) {
	reply := &frontend.MutationsReply{}
	err := cl.DoRPC(ctx, "Mutations", &frontend.NoArgs{}, reply)
	return reply.Mutations, err
}

func (cl *Client) Insert(ctx context.Context, args *frontend.InsertArgs) (*frontend.InsertReply, error) {
	reply := &frontend.InsertReply{}
	err := cl.DoRPC(ctx, "Insert", args, reply)
	return reply, err
}

func (cl *Client) SyncReplica(ctx context.Context, timeout time.Duration) (bool, error) {
	reply := &frontend.SyncReply{}
	args := &frontend.SyncArgs{}
	if timeout > 0 {
		args.Timeout = timeout.String()
	}
	err := cl.DoRPC(ctx, "SyncReplica", args, reply)
	return reply.Synced, err
}

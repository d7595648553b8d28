package queue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"

	"blobmover/pkg/config"
)

// messages never expire, a batch may take days to drain
const noExpiry int32 = -1

// AzureService is the queue service of an Azure storage account
type AzureService struct {
	client *azqueue.ServiceClient
}

// NewAzureService creates a client for the account's queue endpoint
func NewAzureService(account config.Account) (*AzureService, error) {
	endpoint := strings.TrimRight(account.QueueEndpoint, "/") + "/"

	var (
		client *azqueue.ServiceClient
		err    error
	)
	switch {
	case account.AccountKey != "":
		cred, credErr := azqueue.NewSharedKeyCredential(account.AccountName, account.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("invalid shared key credential: %w", credErr)
		}
		client, err = azqueue.NewServiceClientWithSharedKeyCredential(endpoint, cred, nil)
	case account.SharedAccessSignature != "":
		client, err = azqueue.NewServiceClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(account.SharedAccessSignature, "?"), nil)
	default:
		return nil, fmt.Errorf("account has neither a shared key nor a shared access signature")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create queue client for %s: %w", endpoint, err)
	}
	return &AzureService{client: client}, nil
}

// Queue returns the named queue
func (s *AzureService) Queue(name string) Queue {
	return &azureQueue{name: name, client: s.client.NewQueueClient(name)}
}

// Close is a no-op, the HTTP pipeline holds no dedicated resources
func (s *AzureService) Close() error {
	return nil
}

type azureQueue struct {
	name   string
	client *azqueue.QueueClient
}

func (q *azureQueue) Name() string {
	return q.name
}

func (q *azureQueue) Create(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return fmt.Errorf("failed to create queue %s: %w", q.name, err)
	}
	return nil
}

// Enqueue base64-encodes the body, matching what classic storage SDK consumers expect
func (q *azureQueue) Enqueue(ctx context.Context, body string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(body))
	_, err := q.client.EnqueueMessage(ctx, encoded, &azqueue.EnqueueMessageOptions{
		TimeToLive: to.Ptr(noExpiry),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", q.name, err)
	}
	return nil
}

func (q *azureQueue) Receive(ctx context.Context, visibility time.Duration) (*Message, error) {
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
		VisibilityTimeout: to.Ptr(int32(visibility / time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.name, err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil {
		return nil, nil
	}

	m := resp.Messages[0]
	msg := &Message{
		ID:      deref(m.MessageID),
		Receipt: deref(m.PopReceipt),
		Body:    decodeBody(deref(m.MessageText)),
	}
	if m.DequeueCount != nil {
		msg.DequeueCount = *m.DequeueCount
	}
	if m.InsertionTime != nil {
		msg.InsertedAt = *m.InsertionTime
	}
	return msg, nil
}

func (q *azureQueue) Complete(ctx context.Context, msg *Message) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.Receipt, nil)
	if err != nil {
		if queueerror.HasCode(err, queueerror.PopReceiptMismatch, queueerror.MessageNotFound) {
			return fmt.Errorf("message %s: %w", msg.ID, ErrReceiptExpired)
		}
		return fmt.Errorf("failed to complete message %s: %w", msg.ID, err)
	}
	return nil
}

func (q *azureQueue) ApproximateCount(ctx context.Context) (int, error) {
	props, err := q.client.GetProperties(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get properties of %s: %w", q.name, err)
	}
	if props.ApproximateMessagesCount == nil {
		return 0, nil
	}
	return int(*props.ApproximateMessagesCount), nil
}

// decodeBody accepts both base64 and plain text bodies
func decodeBody(text string) string {
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return text
	}
	return string(decoded)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

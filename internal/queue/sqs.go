package queue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/engine"
)

// maxDelay is the SQS per-message delay ceiling. Backoffs longer than this
// are capped here; the task row's next_action_at keeps the real schedule
// and the engine pushes early deliveries back out.
const maxDelay = 900 * time.Second

const expiresAttribute = "expires"

// SQSQueue implements engine.Queue over one SQS queue.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

func New(client *sqs.Client, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Send(ctx context.Context, message string, delay, ttl time.Duration) error {
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(message),
		DelaySeconds: int32(delay / time.Second),
	}
	if ttl > 0 {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			expiresAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(time.Now().Add(ttl).UTC().Format(time.RFC3339)),
			},
		}
	}
	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return errors.Wrap(err, "sqs send")
	}
	return nil
}

// Receive long-polls for one message. Expired messages are deleted and
// reported as engine.ErrNoMessage. The returned done func deletes the
// message; until it is called the message stays eligible for redelivery.
func (q *SQSQueue) Receive(ctx context.Context) (string, func(context.Context) error, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       10,
		MessageAttributeNames: []string{expiresAttribute},
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "sqs receive")
	}
	if len(out.Messages) == 0 {
		return "", nil, engine.ErrNoMessage
	}
	msg := out.Messages[0]
	done := func(ctx context.Context) error {
		_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		return errors.Wrap(err, "sqs delete")
	}
	if attr, ok := msg.MessageAttributes[expiresAttribute]; ok && attr.StringValue != nil {
		if expires, parseErr := time.Parse(time.RFC3339, *attr.StringValue); parseErr == nil && time.Now().After(expires) {
			_ = done(ctx)
			return "", nil, engine.ErrNoMessage
		}
	}
	return aws.ToString(msg.Body), done, nil
}

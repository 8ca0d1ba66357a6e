package ssm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

const pollInterval = 5 * time.Second

// Runner executes shell scripts on hosts through AWS Systems Manager. It owns
// the send-then-poll mechanics; callers see a single blocking Exec.
type Runner struct {
	client *awsssm.Client
	logger *slog.Logger
}

var _ driver.CommandRunner = (*Runner)(nil)

// New constructs an SSM command runner.
func New(client *awsssm.Client, logger *slog.Logger) (*Runner, error) {
	if client == nil {
		return nil, errors.New("nil ssm client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{client: client, logger: logger.With("component", "ssm")}, nil
}

// Exec sends the script as an AWS-RunShellScript invocation and polls until
// it finishes or the deadline passes. A script that exits non-zero comes back
// with OK=false and a nil error; transport failures and deadline exhaustion
// come back as errors.
func (r *Runner) Exec(ctx context.Context, hostRef, script string, deadline time.Duration) (driver.ExecResult, error) {
	sendOut, err := r.client.SendCommand(ctx, &awsssm.SendCommandInput{
		InstanceIds:    []string{hostRef},
		DocumentName:   aws.String("AWS-RunShellScript"),
		Parameters:     map[string][]string{"commands": {script}},
		TimeoutSeconds: aws.Int32(int32(deadline.Seconds())),
	})
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("send command to %s: %w", hostRef, err)
	}
	if sendOut.Command == nil || sendOut.Command.CommandId == nil {
		return driver.ExecResult{}, errors.New("send command returned no command id")
	}
	commandID := *sendOut.Command.CommandId
	r.logger.Info("sent command", "command_id", commandID, "instance_id", hostRef)

	policy := driver.WaitPolicy{Interval: pollInterval, MaxDuration: deadline}
	var result driver.ExecResult
	err = policy.Poll(ctx, func(ctx context.Context) error {
		inv, err := r.client.GetCommandInvocation(ctx, &awsssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(hostRef),
		})
		if err != nil {
			var missing *types.InvocationDoesNotExist
			if errors.As(err, &missing) {
				// Invocation registration lags SendCommand briefly.
				return driver.Retryable(err)
			}
			return err
		}

		result.Stdout = aws.ToString(inv.StandardOutputContent)
		result.Stderr = aws.ToString(inv.StandardErrorContent)

		switch inv.Status {
		case types.CommandInvocationStatusSuccess:
			result.OK = true
			return nil
		case types.CommandInvocationStatusFailed,
			types.CommandInvocationStatusCancelled,
			types.CommandInvocationStatusTimedOut:
			result.OK = false
			return nil
		default:
			return driver.Retryable(fmt.Errorf("command %s still %s", commandID, inv.Status))
		}
	})
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("command %s on %s: %w", commandID, hostRef, err)
	}
	if result.OK {
		r.logger.Info("command succeeded", "command_id", commandID, "instance_id", hostRef)
	} else {
		r.logger.Warn("command failed", "command_id", commandID, "instance_id", hostRef, "stderr", truncate(result.Stderr, 500))
	}
	return result, nil
}

// AwaitAgent polls until the SSM agent on the host has registered, making it
// able to accept commands. Satisfies the compute driver's AgentReadiness.
func (r *Runner) AwaitAgent(ctx context.Context, hostRef string, policy driver.WaitPolicy) error {
	return policy.Poll(ctx, func(ctx context.Context) error {
		out, err := r.client.DescribeInstanceInformation(ctx, &awsssm.DescribeInstanceInformationInput{
			Filters: []types.InstanceInformationStringFilter{
				{Key: aws.String("InstanceIds"), Values: []string{hostRef}},
			},
		})
		if err != nil {
			return driver.Retryable(err)
		}
		if len(out.InstanceInformationList) == 0 {
			return driver.Retryable(fmt.Errorf("agent for %s not registered yet", hostRef))
		}
		return nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

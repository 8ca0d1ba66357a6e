package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

// Tag keys stamped onto every environment host. The reconciler relies on
// these to map hosts back to identity keys.
const (
	tagRepository = "Repository"
	tagPRNumber   = "PRNumber"
	tagBranch     = "Branch"
)

// AgentReadiness checks that the host's command agent has registered, as a
// running instance is not yet able to accept commands.
type AgentReadiness interface {
	AwaitAgent(ctx context.Context, hostRef string, policy driver.WaitPolicy) error
}

// Config carries the launch parameters for environment hosts.
type Config struct {
	LaunchTemplateID string
	SubnetIDs        []string
	SecurityGroupID  string
	AgentReady       driver.WaitPolicy
}

// Driver provisions EC2 instances from a launch template.
type Driver struct {
	client *awsec2.Client
	cfg    Config
	agent  AgentReadiness
	logger *slog.Logger
}

var _ driver.ComputeDriver = (*Driver)(nil)

// New constructs an EC2 compute driver.
func New(client *awsec2.Client, cfg Config, agent AgentReadiness, logger *slog.Logger) (*Driver, error) {
	if client == nil {
		return nil, errors.New("nil ec2 client")
	}
	if cfg.LaunchTemplateID == "" {
		return nil, errors.New("launch template id is required")
	}
	if len(cfg.SubnetIDs) == 0 {
		return nil, errors.New("at least one subnet id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{client: client, cfg: cfg, agent: agent, logger: logger.With("component", "ec2")}, nil
}

// Launch starts a new instance from the launch template, tagged with the
// environment's identity key.
func (d *Driver) Launch(ctx context.Context, spec driver.HostSpec) (string, error) {
	tags := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(spec.Name)},
		{Key: aws.String(tagRepository), Value: aws.String(spec.Repository)},
		{Key: aws.String(tagPRNumber), Value: aws.String(strconv.Itoa(spec.PRNumber))},
		{Key: aws.String(tagBranch), Value: aws.String(spec.Branch)},
	}

	input := &awsec2.RunInstancesInput{
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(d.cfg.LaunchTemplateID),
			Version:          aws.String("$Latest"),
		},
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(d.cfg.SubnetIDs[0]),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   []string{d.cfg.SecurityGroupID},
		}},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if spec.InstanceProfileARN != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Arn: aws.String(spec.InstanceProfileARN),
		}
	}

	out, err := d.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", errors.New("run instances returned no instance")
	}
	id := *out.Instances[0].InstanceId
	d.logger.Info("launched instance", "instance_id", id, "repository", spec.Repository, "pr", spec.PRNumber)
	return id, nil
}

// Start boots a stopped instance.
func (d *Driver) Start(ctx context.Context, hostRef string) error {
	_, err := d.client.StartInstances(ctx, &awsec2.StartInstancesInput{InstanceIds: []string{hostRef}})
	if isInstanceNotFound(err) {
		return driver.ErrHostNotFound
	}
	return err
}

// Stop powers the instance down, keeping its volumes for a later restart.
func (d *Driver) Stop(ctx context.Context, hostRef string) error {
	_, err := d.client.StopInstances(ctx, &awsec2.StopInstancesInput{InstanceIds: []string{hostRef}})
	if isInstanceNotFound(err) {
		return driver.ErrHostNotFound
	}
	return err
}

// Terminate destroys the instance.
func (d *Driver) Terminate(ctx context.Context, hostRef string) error {
	_, err := d.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{InstanceIds: []string{hostRef}})
	if isInstanceNotFound(err) {
		return driver.ErrHostNotFound
	}
	return err
}

// Describe reports the instance's power state.
func (d *Driver) Describe(ctx context.Context, hostRef string) (driver.PowerState, error) {
	out, err := d.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{InstanceIds: []string{hostRef}})
	if err != nil {
		if isInstanceNotFound(err) {
			return driver.PowerUnknown, driver.ErrHostNotFound
		}
		return driver.PowerUnknown, fmt.Errorf("describe instance %s: %w", hostRef, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return mapState(inst.State), nil
		}
	}
	return driver.PowerUnknown, driver.ErrHostNotFound
}

// AwaitReady waits for the instance to be running with status checks passing,
// then for the command agent to register.
func (d *Driver) AwaitReady(ctx context.Context, hostRef string, policy driver.WaitPolicy) error {
	describe := &awsec2.DescribeInstancesInput{InstanceIds: []string{hostRef}}

	running := awsec2.NewInstanceRunningWaiter(d.client)
	if err := running.Wait(ctx, describe, policy.MaxDuration); err != nil {
		return fmt.Errorf("instance %s never reached running: %w", hostRef, err)
	}

	statusOK := awsec2.NewInstanceStatusOkWaiter(d.client)
	statusInput := &awsec2.DescribeInstanceStatusInput{InstanceIds: []string{hostRef}}
	if err := statusOK.Wait(ctx, statusInput, policy.MaxDuration); err != nil {
		return fmt.Errorf("instance %s failed status checks: %w", hostRef, err)
	}

	if d.agent != nil {
		if err := d.agent.AwaitAgent(ctx, hostRef, d.cfg.AgentReady); err != nil {
			return fmt.Errorf("agent on %s never registered: %w", hostRef, err)
		}
	}
	d.logger.Info("instance ready", "instance_id", hostRef)
	return nil
}

// ListEnvironmentHosts enumerates instances carrying environment tags in any
// non-terminal state.
func (d *Driver) ListEnvironmentHosts(ctx context.Context) ([]driver.HostInfo, error) {
	input := &awsec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag-key"), Values: []string{tagRepository}},
			{Name: aws.String("tag-key"), Values: []string{tagPRNumber}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopped"}},
		},
	}

	hosts := make([]driver.HostInfo, 0)
	paginator := awsec2.NewDescribeInstancesPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list environment hosts: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				if inst.InstanceId == nil {
					continue
				}
				info := driver.HostInfo{Ref: *inst.InstanceId, State: mapState(inst.State)}
				for _, tag := range inst.Tags {
					if tag.Key == nil || tag.Value == nil {
						continue
					}
					switch *tag.Key {
					case tagRepository:
						info.Repository = *tag.Value
					case tagPRNumber:
						info.PRNumber, _ = strconv.Atoi(*tag.Value)
					}
				}
				hosts = append(hosts, info)
			}
		}
	}
	return hosts, nil
}

func mapState(state *types.InstanceState) driver.PowerState {
	if state == nil {
		return driver.PowerUnknown
	}
	switch state.Name {
	case types.InstanceStateNamePending:
		return driver.PowerPending
	case types.InstanceStateNameRunning:
		return driver.PowerRunning
	case types.InstanceStateNameStopping:
		return driver.PowerStopping
	case types.InstanceStateNameStopped:
		return driver.PowerStopped
	case types.InstanceStateNameShuttingDown:
		return driver.PowerShuttingDown
	case types.InstanceStateNameTerminated:
		return driver.PowerTerminated
	default:
		return driver.PowerUnknown
	}
}

func isInstanceNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "InvalidInstanceID.NotFound" || code == "InvalidInstanceID.Malformed"
	}
	return false
}

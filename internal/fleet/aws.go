package fleet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// notInGroupMessage is the ValidationError text Auto Scaling returns for an
// instance outside the group.
const notInGroupMessage = "No managed instance found"

// AutoScalingAPI is the subset of the Auto Scaling client the fleet uses.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	SetDesiredCapacity(ctx context.Context, in *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
	TerminateInstanceInAutoScalingGroup(ctx context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error)
}

// EC2API is the subset of the EC2 client the fleet uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// AWSFleet manages session servers running in an EC2 Auto Scaling group.
type AWSFleet struct {
	asg         AutoScalingAPI
	ec2         EC2API
	groupName   string
	sessionPort int
	logger      *logging.Logger
}

// NewAWSFleet builds SDK clients from cfg. Static credentials are used when
// AWS_ACCESS_KEY and AWS_ACCESS_SECRET are set, otherwise the default chain.
func NewAWSFleet(ctx context.Context, cfg *config.FleetConfig, logger *logging.Logger) (*AWSFleet, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.AccessKey != "" && cfg.AWS.AccessSecret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKey, cfg.AWS.AccessSecret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewAWSFleetWithClients(
		autoscaling.NewFromConfig(awsCfg),
		ec2.NewFromConfig(awsCfg),
		cfg.AWS.ASGName,
		cfg.SessionPort,
		logger,
	), nil
}

// NewAWSFleetWithClients wires an AWSFleet around existing clients.
func NewAWSFleetWithClients(asg AutoScalingAPI, ec2Client EC2API, groupName string, sessionPort int, logger *logging.Logger) *AWSFleet {
	return &AWSFleet{
		asg:         asg,
		ec2:         ec2Client,
		groupName:   groupName,
		sessionPort: sessionPort,
		logger:      logger.With("component", "fleet", "provider", "aws"),
	}
}

func (f *AWSFleet) Name() string { return config.ProviderAWS }

// Close is a no-op; the SDK clients hold no connections that need releasing.
func (f *AWSFleet) Close() error { return nil }

// ListManagedInstances returns the group's live instances with their public
// address. Instances being torn down are skipped, instances without a public
// IP are returned with an empty address.
func (f *AWSFleet) ListManagedInstances(ctx context.Context) ([]Observed, error) {
	groups, err := f.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{f.groupName},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe auto scaling group: %w", err)
	}
	if len(groups.AutoScalingGroups) == 0 {
		return nil, fmt.Errorf("auto scaling group %q not found", f.groupName)
	}

	var ids []string
	for _, inst := range groups.AutoScalingGroups[0].Instances {
		if inst.InstanceId == nil || strings.HasPrefix(string(inst.LifecycleState), "Terminat") {
			continue
		}
		ids = append(ids, *inst.InstanceId)
	}
	if len(ids) == 0 {
		return []Observed{}, nil
	}

	observed := make([]Observed, 0, len(ids))
	paginator := ec2.NewDescribeInstancesPaginator(f.ec2, &ec2.DescribeInstancesInput{InstanceIds: ids})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				if inst.InstanceId == nil {
					continue
				}
				observed = append(observed, Observed{
					ID:      *inst.InstanceId,
					Address: f.address(inst),
				})
			}
		}
	}

	return observed, nil
}

func (f *AWSFleet) address(inst ec2types.Instance) string {
	if inst.State != nil && inst.State.Name != ec2types.InstanceStateNameRunning {
		return ""
	}
	ip := aws.ToString(inst.PublicIpAddress)
	if ip == "" {
		return ""
	}
	return net.JoinHostPort(ip, strconv.Itoa(f.sessionPort))
}

// SetDesiredCapacity resizes the group, bypassing the cooldown so scale-ups
// requested by allocations are honoured immediately.
func (f *AWSFleet) SetDesiredCapacity(ctx context.Context, n int) error {
	_, err := f.asg.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(f.groupName),
		DesiredCapacity:      aws.Int32(int32(n)),
		HonorCooldown:        aws.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("failed to set desired capacity to %d: %w", n, err)
	}
	f.logger.Info("Desired capacity updated", "desired", n)
	return nil
}

// TerminateInstance removes one instance from the group and decrements its
// desired capacity so the group does not replace it.
func (f *AWSFleet) TerminateInstance(ctx context.Context, id string) error {
	_, err := f.asg.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(id),
		ShouldDecrementDesiredCapacity: aws.Bool(true),
	})
	if err != nil {
		if strings.Contains(err.Error(), notInGroupMessage) {
			return fmt.Errorf("%w: %s", ErrNotManaged, id)
		}
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	f.logger.Info("Instance terminated", "instanceID", id)
	return nil
}

var _ Provider = (*AWSFleet)(nil)

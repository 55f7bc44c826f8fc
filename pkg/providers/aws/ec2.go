package aws

import (
	"context"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// detachBackoff paces the wait for a force-detached interface to become available.
var detachBackoff = engine.Backoff{Initial: 2 * time.Second, Max: 15 * time.Second, Multiplier: 2}

// detachPolls bounds that wait.
const detachPolls = 12

// EC2API is the subset of the EC2 client in use.
type EC2API interface {
	DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	DetachNetworkInterface(ctx context.Context, in *ec2.DetachNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.DetachNetworkInterfaceOutput, error)
	DeleteNetworkInterface(ctx context.Context, in *ec2.DeleteNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkInterfaceOutput, error)
}

// EC2 implements engine.NetworkCleaner.
type EC2 struct {
	api  EC2API
	call *caller
}

var _ engine.NetworkCleaner = (*EC2)(nil)

// NewEC2 wraps an EC2 client.
func NewEC2(api EC2API, cfg Config, opts ...Option) *EC2 {
	return &EC2{api: api, call: newCaller("ec2", cfg, opts)}
}

// DetachAndDeleteInterface force-detaches the interface if it is attached,
// waits for it to become available and deletes it. A missing interface is
// not an error.
func (e *EC2) DetachAndDeleteInterface(ctx context.Context, interfaceID string) error {
	eni, err := e.describe(ctx, interfaceID)
	if engine.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if eni.Attachment != nil && eni.Status != ec2types.NetworkInterfaceStatusAvailable {
		attachmentID := awssdk.ToString(eni.Attachment.AttachmentId)
		e.call.logger.Warn().Str("eni", interfaceID).Str("attachment", attachmentID).Msg("force-detaching network interface")
		err := e.call.do(ctx, "DetachNetworkInterface", interfaceID, func(ctx context.Context) error {
			_, err := e.api.DetachNetworkInterface(ctx, &ec2.DetachNetworkInterfaceInput{
				AttachmentId: awssdk.String(attachmentID),
				Force:        awssdk.Bool(true),
			})
			return err
		})
		if engine.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.waitAvailable(ctx, interfaceID); err != nil {
			if engine.IsNotFound(err) {
				return nil
			}
			return err
		}
	}

	err = e.call.do(ctx, "DeleteNetworkInterface", interfaceID, func(ctx context.Context) error {
		_, err := e.api.DeleteNetworkInterface(ctx, &ec2.DeleteNetworkInterfaceInput{
			NetworkInterfaceId: awssdk.String(interfaceID),
		})
		return err
	})
	if engine.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *EC2) describe(ctx context.Context, interfaceID string) (*ec2types.NetworkInterface, error) {
	var out *ec2.DescribeNetworkInterfacesOutput
	err := e.call.do(ctx, "DescribeNetworkInterfaces", interfaceID, func(ctx context.Context) error {
		var err error
		out, err = e.api.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
			NetworkInterfaceIds: []string{interfaceID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.NetworkInterfaces) == 0 {
		return nil, engine.NewNotFoundError("network interface does not exist", nil).WithResource(interfaceID)
	}
	return &out.NetworkInterfaces[0], nil
}

func (e *EC2) waitAvailable(ctx context.Context, interfaceID string) error {
	for i := 0; i < detachPolls; i++ {
		if err := e.call.clock.Sleep(ctx, detachBackoff.Next(i)); err != nil {
			return engine.NewCancelledError("wait for interface detach cancelled", err).WithResource(interfaceID)
		}
		eni, err := e.describe(ctx, interfaceID)
		if err != nil {
			return err
		}
		if eni.Status == ec2types.NetworkInterfaceStatusAvailable {
			return nil
		}
	}
	return engine.NewTimeoutError("network interface did not detach", nil).WithResource(interfaceID)
}

package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"

	"github.com/gridshift/carbonsched/internal/models"
)

const awsWaitTimeout = 10 * time.Minute

// AWSProvider manages EC2 instances. It keeps one client per region the
// scheduler may place work in; a VM's Location selects the client and its
// Name is the instance id.
type AWSProvider struct {
	clients map[string]*ec2.Client
}

// NewAWSProvider loads the default credential chain and builds a client
// for every given region.
func NewAWSProvider(ctx context.Context, regions []string) (*AWSProvider, error) {
	base, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, &AuthError{Provider: models.ProviderAWS, Err: err}
	}

	clients := make(map[string]*ec2.Client, len(regions))
	for _, r := range regions {
		cfg := base.Copy()
		cfg.Region = r
		clients[r] = ec2.NewFromConfig(cfg)
	}
	return &AWSProvider{clients: clients}, nil
}

func (p *AWSProvider) StartVM(ctx context.Context, vm *models.VirtualMachine) error {
	client, err := p.clientFor(vm)
	if err != nil {
		return err
	}
	_, err = client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{vm.Name},
	})
	if err != nil {
		return p.wrap(vm, "start", err)
	}
	return nil
}

func (p *AWSProvider) WaitUntilRunning(ctx context.Context, vm *models.VirtualMachine) error {
	client, err := p.clientFor(vm)
	if err != nil {
		return err
	}
	waiter := ec2.NewInstanceRunningWaiter(client)
	if err := waiter.Wait(ctx, describeInput(vm), awsWaitTimeout); err != nil {
		return p.wrap(vm, "waiting for running", err)
	}
	return nil
}

func (p *AWSProvider) StopVM(ctx context.Context, vm *models.VirtualMachine) error {
	client, err := p.clientFor(vm)
	if err != nil {
		return err
	}
	_, err = client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{vm.Name},
	})
	if err != nil {
		return p.wrap(vm, "stop", err)
	}
	return nil
}

func (p *AWSProvider) Deallocate(ctx context.Context, vm *models.VirtualMachine) error {
	client, err := p.clientFor(vm)
	if err != nil {
		return err
	}
	waiter := ec2.NewInstanceStoppedWaiter(client)
	if err := waiter.Wait(ctx, describeInput(vm), awsWaitTimeout); err != nil {
		return p.wrap(vm, "waiting for stopped", err)
	}
	return nil
}

func (p *AWSProvider) clientFor(vm *models.VirtualMachine) (*ec2.Client, error) {
	client, ok := p.clients[vm.Location]
	if !ok {
		return nil, fmt.Errorf("aws vm %q: no client for region %q", vm.Name, vm.Location)
	}
	return client, nil
}

func describeInput(vm *models.VirtualMachine) *ec2.DescribeInstancesInput {
	return &ec2.DescribeInstancesInput{InstanceIds: []string{vm.Name}}
}

func (p *AWSProvider) wrap(vm *models.VirtualMachine, op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AuthFailure", "UnauthorizedOperation", "ExpiredToken":
			return &AuthError{Provider: models.ProviderAWS, Err: err}
		}
	}
	return fmt.Errorf("aws vm %q: %s: %w", vm.Name, op, err)
}

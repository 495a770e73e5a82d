package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2021-03-01/compute"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure/auth"

	"github.com/gridshift/carbonsched/internal/models"
)

// azureFuture is the waitable half of an Azure long-running operation.
type azureFuture interface {
	WaitForCompletionRef(ctx context.Context, client autorest.Client) error
}

// AzureProvider manages VMs through the Azure compute API. Start and
// deallocate are long-running operations; the pending future for each
// machine is held from the issue call until its wait succeeds, so a
// failed wait can be retried against the same operation.
type AzureProvider struct {
	client compute.VirtualMachinesClient

	mu          sync.Mutex
	starts      map[string]azureFuture
	deallocates map[string]azureFuture
}

// NewAzureProvider authenticates from the environment (AZURE_TENANT_ID,
// AZURE_CLIENT_ID, AZURE_CLIENT_SECRET) against the given subscription.
func NewAzureProvider(subscriptionID string) (*AzureProvider, error) {
	authorizer, err := auth.NewAuthorizerFromEnvironment()
	if err != nil {
		return nil, &AuthError{Provider: models.ProviderAzure, Err: err}
	}

	client := compute.NewVirtualMachinesClient(subscriptionID)
	client.Authorizer = authorizer

	return &AzureProvider{
		client:      client,
		starts:      make(map[string]azureFuture),
		deallocates: make(map[string]azureFuture),
	}, nil
}

func (p *AzureProvider) StartVM(ctx context.Context, vm *models.VirtualMachine) error {
	future, err := p.client.Start(ctx, vm.ResourceGroup, vm.Name)
	if err != nil {
		return p.wrap(vm, "start", err)
	}
	p.mu.Lock()
	p.starts[vm.Name] = &future
	p.mu.Unlock()
	return nil
}

func (p *AzureProvider) WaitUntilRunning(ctx context.Context, vm *models.VirtualMachine) error {
	p.mu.Lock()
	future, ok := p.starts[vm.Name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("azure vm %q: no start in flight", vm.Name)
	}
	if err := future.WaitForCompletionRef(ctx, p.client.Client); err != nil {
		return p.wrap(vm, "waiting for start", err)
	}
	p.mu.Lock()
	delete(p.starts, vm.Name)
	p.mu.Unlock()
	return nil
}

func (p *AzureProvider) StopVM(ctx context.Context, vm *models.VirtualMachine) error {
	future, err := p.client.Deallocate(ctx, vm.ResourceGroup, vm.Name)
	if err != nil {
		return p.wrap(vm, "deallocate", err)
	}
	p.mu.Lock()
	p.deallocates[vm.Name] = &future
	p.mu.Unlock()
	return nil
}

func (p *AzureProvider) Deallocate(ctx context.Context, vm *models.VirtualMachine) error {
	p.mu.Lock()
	future, ok := p.deallocates[vm.Name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("azure vm %q: no deallocate in flight", vm.Name)
	}
	if err := future.WaitForCompletionRef(ctx, p.client.Client); err != nil {
		return p.wrap(vm, "waiting for deallocate", err)
	}
	p.mu.Lock()
	delete(p.deallocates, vm.Name)
	p.mu.Unlock()
	return nil
}

func (p *AzureProvider) wrap(vm *models.VirtualMachine, op string, err error) error {
	var detailed autorest.DetailedError
	if errors.As(err, &detailed) {
		if code, ok := detailed.StatusCode.(int); ok &&
			(code == http.StatusUnauthorized || code == http.StatusForbidden) {
			return &AuthError{Provider: models.ProviderAzure, Err: err}
		}
	}
	return fmt.Errorf("azure vm %q: %s: %w", vm.Name, op, err)
}

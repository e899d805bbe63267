package plsync

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/charmbracelet/log"
)

// createEntryLimit is the largest number of entries EC2 accepts in a single
// CreateManagedPrefixList call; anything beyond it has to go through a
// follow-up modify.
const createEntryLimit = 100

// maxEntriesHeadroom is the extra capacity given to a freshly created list
// beyond its initial entry count, so routine growth does not require
// resizing the list (which cascades into security group rule accounting).
const maxEntriesHeadroom = 20

// EC2API is the slice of the EC2 client the provider needs. *ec2.Client
// satisfies it; tests substitute a fake.
type EC2API interface {
	DescribeManagedPrefixLists(ctx context.Context, params *ec2.DescribeManagedPrefixListsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeManagedPrefixListsOutput, error)
	GetManagedPrefixListEntries(ctx context.Context, params *ec2.GetManagedPrefixListEntriesInput, optFns ...func(*ec2.Options)) (*ec2.GetManagedPrefixListEntriesOutput, error)
	CreateManagedPrefixList(ctx context.Context, params *ec2.CreateManagedPrefixListInput, optFns ...func(*ec2.Options)) (*ec2.CreateManagedPrefixListOutput, error)
	ModifyManagedPrefixList(ctx context.Context, params *ec2.ModifyManagedPrefixListInput, optFns ...func(*ec2.Options)) (*ec2.ModifyManagedPrefixListOutput, error)
}

func newEC2Provider(api EC2API, maxEntries int, sourceHost string) *ec2Provider {
	return &ec2Provider{
		api:          api,
		maxEntries:   maxEntries,
		sourceHost:   sourceHost,
		logger:       discard,
		pollInterval: 2 * time.Second,
		pollTimeout:  time.Minute,
	}
}

// ec2Provider implements plsync.Provider against EC2 managed prefix lists.
//
// It should be constructed through plsync.UsingEC2.
type ec2Provider struct {
	api        EC2API
	maxEntries int
	sourceHost string
	logger     *log.Logger

	// create-state polling knobs, shortened in tests
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// SetPrefixes converges the named prefix list onto exactly blocks.
//
// The list is looked up by name and created when absent. For an existing
// list the current entries and version are read immediately before the
// update, the minimal add/remove sets are computed, and both are applied in
// one versioned ModifyManagedPrefixList call, so readers never observe a
// partially applied state. A version mismatch at write time is returned as
// *ConcurrentModificationError without any internal retry.
func (p *ec2Provider) SetPrefixes(ctx context.Context, name string, blocks []netip.Prefix) (SyncOutcome, error) {
	if len(blocks) == 0 {
		return SyncOutcome{}, fmt.Errorf("prefix list %s: refusing to sync an empty block set", name)
	}
	if p.maxEntries > 0 && len(blocks) > p.maxEntries {
		return SyncOutcome{}, &QuotaError{List: name, Desired: len(blocks), Max: p.maxEntries}
	}

	list, err := p.findList(ctx, name)
	if err != nil {
		return SyncOutcome{}, err
	}
	if list == nil {
		return p.createList(ctx, name, blocks)
	}
	return p.updateList(ctx, name, list, blocks)
}

// findList locates a prefix list by name. A nil result with a nil error
// means the list does not exist yet.
func (p *ec2Provider) findList(ctx context.Context, name string) (*ec2types.ManagedPrefixList, error) {
	out, err := p.api.DescribeManagedPrefixLists(ctx, &ec2.DescribeManagedPrefixListsInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("prefix-list-name"),
			Values: []string{name},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("describing prefix list %s: %w", name, err)
	}
	for _, pl := range out.PrefixLists {
		if aws.ToString(pl.PrefixListName) == name {
			pl := pl
			return &pl, nil
		}
	}
	return nil, nil
}

func (p *ec2Provider) updateList(ctx context.Context, name string, list *ec2types.ManagedPrefixList, blocks []netip.Prefix) (SyncOutcome, error) {
	id := aws.ToString(list.PrefixListId)
	version := aws.ToInt64(list.Version)

	current, err := p.entries(ctx, id)
	if err != nil {
		return SyncOutcome{}, err
	}

	add, remove := Diff(current, blocks)
	p.logger.Info("computed prefix list diff",
		"list", name, "id", id, "current", len(current), "desired", len(blocks),
		"add", len(add), "remove", len(remove))

	outcome := SyncOutcome{
		ListID:  id,
		Added:   len(add),
		Removed: len(remove),
		Size:    len(blocks),
		Version: version,
	}
	if len(add) == 0 && len(remove) == 0 {
		p.logger.Info("prefix list already converged", "list", name, "id", id, "size", len(current))
		return outcome, nil
	}

	input := &ec2.ModifyManagedPrefixListInput{
		PrefixListId:   aws.String(id),
		CurrentVersion: aws.Int64(version),
	}
	if len(add) > 0 {
		input.AddEntries = p.addEntries(add)
	}
	if len(remove) > 0 {
		input.RemoveEntries = make([]ec2types.RemovePrefixListEntry, 0, len(remove))
		for _, block := range remove {
			input.RemoveEntries = append(input.RemoveEntries, ec2types.RemovePrefixListEntry{Cidr: aws.String(block.String())})
		}
	}
	out, err := p.api.ModifyManagedPrefixList(ctx, input)
	if err != nil {
		if apiErrorCode(err) == "PrefixListVersionMismatch" {
			return SyncOutcome{}, &ConcurrentModificationError{List: name, Version: version}
		}
		return SyncOutcome{}, fmt.Errorf("modifying prefix list %s (%s): %w", name, id, err)
	}
	if out.PrefixList != nil {
		outcome.Version = aws.ToInt64(out.PrefixList.Version)
	}
	p.logger.Info("applied prefix list update",
		"list", name, "id", id, "added", len(add), "removed", len(remove), "version", outcome.Version)
	return outcome, nil
}

func (p *ec2Provider) createList(ctx context.Context, name string, blocks []netip.Prefix) (SyncOutcome, error) {
	initial := blocks
	if len(initial) > createEntryLimit {
		initial = blocks[:createEntryLimit]
	}
	maxEntries := len(blocks) + maxEntriesHeadroom
	if p.maxEntries > 0 && maxEntries > p.maxEntries {
		maxEntries = p.maxEntries
	}

	p.logger.Info("creating prefix list", "list", name, "family", familyOf(blocks[0]), "entries", len(initial), "max_entries", maxEntries)
	out, err := p.api.CreateManagedPrefixList(ctx, &ec2.CreateManagedPrefixListInput{
		PrefixListName: aws.String(name),
		AddressFamily:  aws.String(familyOf(blocks[0])),
		MaxEntries:     aws.Int32(int32(maxEntries)),
		Entries:        p.addEntries(initial),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypePrefixList,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(name)},
				{Key: aws.String("SourceHostname"), Value: aws.String(p.sourceHost)},
				{Key: aws.String("ManagedBy"), Value: aws.String("plsync")},
			},
		}},
	})
	if err != nil {
		return SyncOutcome{}, fmt.Errorf("creating prefix list %s: %w", name, err)
	}

	id := aws.ToString(out.PrefixList.PrefixListId)
	version := aws.ToInt64(out.PrefixList.Version)
	outcome := SyncOutcome{
		ListID:  id,
		Added:   len(blocks),
		Size:    len(blocks),
		Version: version,
		Created: true,
	}
	p.logger.Info("created prefix list", "list", name, "id", id, "entries", len(initial))

	if len(blocks) <= createEntryLimit {
		return outcome, nil
	}

	// the create call is capped; push the remainder once the list settles
	if err := p.waitSettled(ctx, id); err != nil {
		return SyncOutcome{}, fmt.Errorf("waiting for prefix list %s (%s): %w", name, id, err)
	}
	rest := blocks[createEntryLimit:]
	p.logger.Info("adding remaining entries", "list", name, "id", id, "entries", len(rest))
	mod, err := p.api.ModifyManagedPrefixList(ctx, &ec2.ModifyManagedPrefixListInput{
		PrefixListId:   aws.String(id),
		CurrentVersion: aws.Int64(version),
		AddEntries:     p.addEntries(rest),
	})
	if err != nil {
		if apiErrorCode(err) == "PrefixListVersionMismatch" {
			return SyncOutcome{}, &ConcurrentModificationError{List: name, Version: version}
		}
		return SyncOutcome{}, fmt.Errorf("adding remaining entries to prefix list %s (%s): %w", name, id, err)
	}
	if mod.PrefixList != nil {
		outcome.Version = aws.ToInt64(mod.PrefixList.Version)
	}
	return outcome, nil
}

// entries reads the full current entry set through the SDK paginator.
func (p *ec2Provider) entries(ctx context.Context, id string) ([]netip.Prefix, error) {
	var current []netip.Prefix
	paginator := ec2.NewGetManagedPrefixListEntriesPaginator(p.api, &ec2.GetManagedPrefixListEntriesInput{
		PrefixListId: aws.String(id),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading entries of prefix list %s: %w", id, err)
		}
		for _, entry := range page.Entries {
			block, err := netip.ParsePrefix(aws.ToString(entry.Cidr))
			if err != nil {
				return nil, fmt.Errorf("prefix list %s contains unparseable entry %q: %w", id, aws.ToString(entry.Cidr), err)
			}
			current = append(current, block)
		}
	}
	return current, nil
}

func (p *ec2Provider) addEntries(blocks []netip.Prefix) []ec2types.AddPrefixListEntry {
	desc := fmt.Sprintf("resolved from %s", p.sourceHost)
	entries := make([]ec2types.AddPrefixListEntry, 0, len(blocks))
	for _, block := range blocks {
		entries = append(entries, ec2types.AddPrefixListEntry{
			Cidr:        aws.String(block.String()),
			Description: aws.String(desc),
		})
	}
	return entries
}

// waitSettled polls the list until it reaches a stable *-complete state.
func (p *ec2Provider) waitSettled(ctx context.Context, id string) error {
	deadline := time.Now().Add(p.pollTimeout)
	for {
		out, err := p.api.DescribeManagedPrefixLists(ctx, &ec2.DescribeManagedPrefixListsInput{
			PrefixListIds: []string{id},
		})
		if err == nil && len(out.PrefixLists) == 1 {
			state := string(out.PrefixLists[0].State)
			if strings.HasSuffix(state, "-complete") {
				return nil
			}
			if strings.HasSuffix(state, "-failed") {
				return fmt.Errorf("prefix list entered state %s", state)
			}
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for a stable state")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// apiErrorCode returns the service error code, or "" for non-API errors.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func familyOf(block netip.Prefix) string {
	if block.Addr().Is4() {
		return "IPv4"
	}
	if block.Addr().Is6() {
		return "IPv6"
	}
	panic("unknown ip configuration")
}

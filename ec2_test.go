package plsync

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 is an in-memory stand-in for the managed prefix list API. It
// tracks call counts so tests can assert that failing paths made zero
// mutating calls, and it enforces the version check the way the service
// does.
type fakeEC2 struct {
	name     string
	id       string
	exists   bool
	version  int64
	state    ec2types.PrefixListState
	family   string
	max      int32
	entries  []string
	tags     map[string]string
	pageSize int

	describeCalls int
	getCalls      int
	createCalls   int
	modifyCalls   int

	versionMismatch bool
}

func (f *fakeEC2) list() ec2types.ManagedPrefixList {
	return ec2types.ManagedPrefixList{
		PrefixListId:   aws.String(f.id),
		PrefixListName: aws.String(f.name),
		Version:        aws.Int64(f.version),
		State:          f.state,
		MaxEntries:     aws.Int32(f.max),
		AddressFamily:  aws.String(f.family),
	}
}

func (f *fakeEC2) DescribeManagedPrefixLists(ctx context.Context, params *ec2.DescribeManagedPrefixListsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeManagedPrefixListsOutput, error) {
	f.describeCalls++
	out := &ec2.DescribeManagedPrefixListsOutput{}
	if !f.exists {
		return out, nil
	}
	if len(params.PrefixListIds) > 0 {
		if slices.Contains(params.PrefixListIds, f.id) {
			out.PrefixLists = []ec2types.ManagedPrefixList{f.list()}
		}
		return out, nil
	}
	out.PrefixLists = []ec2types.ManagedPrefixList{f.list()}
	return out, nil
}

func (f *fakeEC2) GetManagedPrefixListEntries(ctx context.Context, params *ec2.GetManagedPrefixListEntriesInput, optFns ...func(*ec2.Options)) (*ec2.GetManagedPrefixListEntriesOutput, error) {
	f.getCalls++
	size := f.pageSize
	if size <= 0 {
		size = len(f.entries) + 1
	}
	start := 0
	if params.NextToken != nil {
		start, _ = strconv.Atoi(*params.NextToken)
	}
	end := start + size
	if end > len(f.entries) {
		end = len(f.entries)
	}
	out := &ec2.GetManagedPrefixListEntriesOutput{}
	for _, cidr := range f.entries[start:end] {
		out.Entries = append(out.Entries, ec2types.PrefixListEntry{Cidr: aws.String(cidr)})
	}
	if end < len(f.entries) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeEC2) CreateManagedPrefixList(ctx context.Context, params *ec2.CreateManagedPrefixListInput, optFns ...func(*ec2.Options)) (*ec2.CreateManagedPrefixListOutput, error) {
	f.createCalls++
	f.exists = true
	f.name = aws.ToString(params.PrefixListName)
	f.id = "pl-0123456789abcdef0"
	f.version = 1
	f.state = ec2types.PrefixListStateCreateComplete
	f.family = aws.ToString(params.AddressFamily)
	f.max = aws.ToInt32(params.MaxEntries)
	f.entries = nil
	for _, e := range params.Entries {
		f.entries = append(f.entries, aws.ToString(e.Cidr))
	}
	f.tags = map[string]string{}
	for _, spec := range params.TagSpecifications {
		for _, tag := range spec.Tags {
			f.tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}
	pl := f.list()
	return &ec2.CreateManagedPrefixListOutput{PrefixList: &pl}, nil
}

func (f *fakeEC2) ModifyManagedPrefixList(ctx context.Context, params *ec2.ModifyManagedPrefixListInput, optFns ...func(*ec2.Options)) (*ec2.ModifyManagedPrefixListOutput, error) {
	f.modifyCalls++
	if f.versionMismatch || aws.ToInt64(params.CurrentVersion) != f.version {
		return nil, &smithy.GenericAPIError{Code: "PrefixListVersionMismatch", Message: "prefix list version mismatch"}
	}
	for _, remove := range params.RemoveEntries {
		cidr := aws.ToString(remove.Cidr)
		f.entries = slices.DeleteFunc(f.entries, func(e string) bool { return e == cidr })
	}
	for _, add := range params.AddEntries {
		f.entries = append(f.entries, aws.ToString(add.Cidr))
	}
	f.version++
	f.state = ec2types.PrefixListStateModifyComplete
	pl := f.list()
	return &ec2.ModifyManagedPrefixListOutput{PrefixList: &pl}, nil
}

func testProvider(fake *fakeEC2, maxEntries int) *ec2Provider {
	p := newEC2Provider(fake, maxEntries, "ip.uptimerobot.com")
	p.pollInterval = time.Millisecond
	p.pollTimeout = 100 * time.Millisecond
	return p
}

func mustPrefixes(t *testing.T, prefixes ...string) []netip.Prefix {
	t.Helper()
	parsed := make([]netip.Prefix, 0, len(prefixes))
	for _, s := range prefixes {
		parsed = append(parsed, netip.MustParsePrefix(s))
	}
	return parsed
}

func TestSetPrefixesQuotaExceeded(t *testing.T) {
	fake := &fakeEC2{exists: true, name: "uptimerobot4", id: "pl-1", version: 7}
	p := testProvider(fake, 2)

	blocks := mustPrefixes(t, "10.0.0.0/31", "10.0.1.0/31", "10.0.2.0/31")
	_, err := p.SetPrefixes(context.Background(), "uptimerobot4", blocks)

	var quota *QuotaError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaError; got %v", err)
	}
	if quota.Desired != 3 || quota.Max != 2 {
		t.Fatalf("QuotaError reported desired=%d max=%d; want 3 and 2", quota.Desired, quota.Max)
	}
	if calls := fake.createCalls + fake.modifyCalls; calls != 0 {
		t.Fatalf("expected zero write calls after quota failure; got %d", calls)
	}
	if fake.describeCalls+fake.getCalls != 0 {
		t.Fatal("expected the quota check to happen before any API call")
	}
}

func TestSetPrefixesAddRemove(t *testing.T) {
	fake := &fakeEC2{
		exists:  true,
		name:    "uptimerobot4",
		id:      "pl-1",
		version: 7,
		state:   ec2types.PrefixListStateModifyComplete,
		entries: []string{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24"},
		// two entries per page exercises the paginator
		pageSize: 2,
	}
	p := testProvider(fake, 120)

	desired := mustPrefixes(t, "10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24")
	outcome, err := p.SetPrefixes(context.Background(), "uptimerobot4", desired)
	if err != nil {
		t.Fatalf("SetPrefixes failed: %s", err)
	}

	if outcome.Added != 1 || outcome.Removed != 1 {
		t.Fatalf("outcome added=%d removed=%d; want 1 and 1", outcome.Added, outcome.Removed)
	}
	if outcome.Version != 8 {
		t.Fatalf("outcome version is %d; want 8", outcome.Version)
	}
	if fake.modifyCalls != 1 {
		t.Fatalf("expected exactly one modify call; got %d", fake.modifyCalls)
	}
	want := []string{"10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24"}
	got := append([]string(nil), fake.entries...)
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Fatalf("list converged to %v; want %v", got, want)
	}
}

func TestSetPrefixesNoChange(t *testing.T) {
	fake := &fakeEC2{
		exists:  true,
		name:    "uptimerobot6",
		id:      "pl-2",
		version: 3,
		entries: []string{"2a02:4780:a::/64"},
	}
	p := testProvider(fake, 120)

	outcome, err := p.SetPrefixes(context.Background(), "uptimerobot6", mustPrefixes(t, "2a02:4780:a::/64"))
	if err != nil {
		t.Fatalf("SetPrefixes failed: %s", err)
	}
	if fake.modifyCalls != 0 {
		t.Fatalf("expected no modify call for a converged list; got %d", fake.modifyCalls)
	}
	if outcome.Version != 3 || outcome.Size != 1 {
		t.Fatalf("outcome is %+v; want version 3 and size 1", outcome)
	}
}

func TestSetPrefixesStaleVersion(t *testing.T) {
	fake := &fakeEC2{
		exists:          true,
		name:            "uptimerobot4",
		id:              "pl-1",
		version:         7,
		entries:         []string{"10.0.0.0/24"},
		versionMismatch: true,
	}
	p := testProvider(fake, 120)

	_, err := p.SetPrefixes(context.Background(), "uptimerobot4", mustPrefixes(t, "10.0.1.0/24"))
	var stale *ConcurrentModificationError
	if !errors.As(err, &stale) {
		t.Fatalf("expected ConcurrentModificationError; got %v", err)
	}
	if stale.Version != 7 {
		t.Fatalf("error reports stale version %d; want 7", stale.Version)
	}
	if fake.modifyCalls != 1 {
		t.Fatalf("provider must not retry a stale version internally; got %d modify calls", fake.modifyCalls)
	}
}

func TestSetPrefixesCreatesMissingList(t *testing.T) {
	fake := &fakeEC2{}
	p := testProvider(fake, 120)

	blocks := mustPrefixes(t, "69.162.124.226/31", "69.162.124.228/31")
	outcome, err := p.SetPrefixes(context.Background(), "uptimerobot4", blocks)
	if err != nil {
		t.Fatalf("SetPrefixes failed: %s", err)
	}

	if fake.createCalls != 1 {
		t.Fatalf("expected one create call; got %d", fake.createCalls)
	}
	if !outcome.Created || outcome.Size != 2 {
		t.Fatalf("outcome is %+v; want created with size 2", outcome)
	}
	if fake.family != "IPv4" {
		t.Fatalf("created with address family %q; want IPv4", fake.family)
	}
	if fake.max != 22 {
		t.Fatalf("created with max entries %d; want len+headroom = 22", fake.max)
	}
	if fake.tags["ManagedBy"] != "plsync" || fake.tags["SourceHostname"] != "ip.uptimerobot.com" {
		t.Fatalf("created with tags %v", fake.tags)
	}
	if fake.modifyCalls != 0 {
		t.Fatalf("small create should not need a follow-up modify; got %d", fake.modifyCalls)
	}
}

func TestSetPrefixesCreateSpillsOverEntryLimit(t *testing.T) {
	fake := &fakeEC2{}
	p := testProvider(fake, 150)

	var blocks []netip.Prefix
	for i := 0; i < 120; i++ {
		blocks = append(blocks, netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 24))
	}
	outcome, err := p.SetPrefixes(context.Background(), "uptimerobot4", blocks)
	if err != nil {
		t.Fatalf("SetPrefixes failed: %s", err)
	}

	if fake.createCalls != 1 || fake.modifyCalls != 1 {
		t.Fatalf("expected create then modify; got %d creates and %d modifies", fake.createCalls, fake.modifyCalls)
	}
	if len(fake.entries) != 120 {
		t.Fatalf("list holds %d entries; want 120", len(fake.entries))
	}
	if fake.max != 140 {
		t.Fatalf("created with max entries %d; want min(120+20, 150) = 140", fake.max)
	}
	if outcome.Version != 2 {
		t.Fatalf("outcome version is %d; want 2 after the follow-up modify", outcome.Version)
	}
}

func TestSetPrefixesRejectsEmptyDesiredSet(t *testing.T) {
	fake := &fakeEC2{exists: true, name: "uptimerobot4", id: "pl-1", version: 1, entries: []string{"10.0.0.0/24"}}
	p := testProvider(fake, 120)

	if _, err := p.SetPrefixes(context.Background(), "uptimerobot4", nil); err == nil {
		t.Fatal("expected an error for an empty desired set")
	}
	if fake.modifyCalls != 0 {
		t.Fatalf("empty desired set must not mutate the list; got %d modify calls", fake.modifyCalls)
	}
}

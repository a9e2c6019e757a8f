package inventory

import (
	"context"
	"reflect"
	"testing"

	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote/remotetest"
)

func TestProcsSkipsHoldFiles(t *testing.T) {
	ch := remotetest.New("h1")
	ch.AddDir("/apps/procs/web-v3-trusty-web")
	ch.AddDir("/apps/procs/worker-v1-precise-beat")
	ch.AddFile("/apps/procs/web-v4-trusty-web.hold", "")

	inv := New(ch, proc.DefaultLayout())
	got, err := inv.Procs(context.Background())
	if err != nil {
		t.Fatalf("Procs: %v", err)
	}
	want := []string{"web-v3-trusty-web", "worker-v1-precise-beat"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Procs = %v, want %v", got, want)
	}

	set, err := inv.InstalledProcNames(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Fatalf("unexpected set %v", set)
	}
}

func TestMissingRootsAreEmpty(t *testing.T) {
	ch := remotetest.New("h1")
	inv := New(ch, proc.DefaultLayout())
	ctx := context.Background()
	for name, fn := range map[string]func(context.Context) ([]string, error){
		"procs":  inv.Procs,
		"builds": inv.Builds,
		"images": inv.Images,
	} {
		got, err := fn(ctx)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(got) != 0 {
			t.Fatalf("%s: expected empty, got %v", name, got)
		}
	}
	if n := len(ch.CallsWithPrefix("ls")); n != 0 {
		t.Fatalf("ls must not run on a missing root, ran %d times", n)
	}
}

func TestBuildsAndImages(t *testing.T) {
	ch := remotetest.New("h1")
	ch.AddDir("/apps/builds/web-v3-trusty")
	ch.AddDir("/apps/builds/api-v1-trusty")
	ch.AddDir("/apps/images/trusty")
	inv := New(ch, proc.DefaultLayout())

	builds, err := inv.Builds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(builds, []string{"api-v1-trusty", "web-v3-trusty"}) {
		t.Fatalf("builds = %v", builds)
	}
	images, err := inv.Images(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(images, []string{"trusty"}) {
		t.Fatalf("images = %v", images)
	}
}

func TestListFailurePropagates(t *testing.T) {
	ch := remotetest.New("h1")
	ch.AddDir("/apps/builds")
	ch.Fail("ls -1 -- /apps/builds", 2, "permission denied")
	if _, err := New(ch, proc.DefaultLayout()).Builds(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNamesWithSpacesSurviveListing(t *testing.T) {
	ch := remotetest.New("h1")
	ch.AddDir("/apps/images/trusty")
	ch.AddDir("/apps/images/trusty old")
	images, err := New(ch, proc.DefaultLayout()).Images(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(images, []string{"trusty", "trusty old"}) {
		t.Fatalf("images = %v", images)
	}
}

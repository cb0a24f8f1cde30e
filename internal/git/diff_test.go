package git

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleDiff = `diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1,3 +1,3 @@
 line1
 line2
-hello
+hi
diff --git a/fresh.txt b/fresh.txt
new file mode 100644
--- /dev/null
+++ b/fresh.txt
@@ -0,0 +1,2 @@
+one
+two
`

func TestParseDiff(t *testing.T) {
	files := ParseDiff(sampleDiff)
	if len(files) != 2 {
		t.Fatalf("parsed %d files, want 2", len(files))
	}

	readme := files[0]
	if readme.FileA != "README.md" || readme.FileB != "README.md" {
		t.Fatalf("file names = %q / %q", readme.FileA, readme.FileB)
	}
	if len(readme.Hunks) != 1 {
		t.Fatalf("README hunks = %d, want 1", len(readme.Hunks))
	}
	h := readme.Hunks[0]
	if h.OldStart != 1 || h.OldCount != 3 || h.NewStart != 1 || h.NewCount != 3 {
		t.Fatalf("hunk header = %+v", h)
	}
	want := []string{" line1", " line2", "-hello", "+hi"}
	if !reflect.DeepEqual(h.Lines, want) {
		t.Fatalf("hunk lines = %v, want %v", h.Lines, want)
	}

	fresh := files[1]
	if fresh.FileA != "" || fresh.FileB != "fresh.txt" {
		t.Fatalf("new-file names = %q / %q, want \"\" / fresh.txt", fresh.FileA, fresh.FileB)
	}
	if fresh.Hunks[0].OldCount != 0 || fresh.Hunks[0].NewCount != 2 {
		t.Fatalf("new-file hunk = %+v", fresh.Hunks[0])
	}
}

func TestParseDiff_MalformedAndEmpty(t *testing.T) {
	if got := ParseDiff(""); len(got) != 0 {
		t.Fatalf("empty input = %v, want empty", got)
	}
	if got := ParseDiff("   \n\n"); len(got) != 0 {
		t.Fatalf("blank input = %v, want empty", got)
	}
	if got := ParseDiff("not a diff at all\njust text\n"); len(got) != 0 {
		t.Fatalf("garbage input = %v, want empty", got)
	}

	// A bad hunk header is skipped without dropping the file.
	broken := "diff --git a/x b/x\n--- a/x\n+++ b/x\n@@ nonsense @@\n+added\n"
	files := ParseDiff(broken)
	if len(files) != 1 || len(files[0].Hunks) != 0 {
		t.Fatalf("broken hunk parse = %+v", files)
	}
}

func TestSerializeDiff_RoundTrip(t *testing.T) {
	parsed := ParseDiff(sampleDiff)
	serialized := SerializeDiff(parsed)

	// Re-parsing the serialised text must reproduce the same structure.
	again := ParseDiff(serialized)
	if !reflect.DeepEqual(parsed, again) {
		t.Fatalf("round trip changed structure:\nfirst: %+v\nsecond: %+v", parsed, again)
	}

	// And serialising once more must be a fixed point.
	if SerializeDiff(again) != serialized {
		t.Fatal("serialisation is not a fixed point")
	}
}

func TestRoundTrip_AdapterProducedDiff(t *testing.T) {
	// A synthetic new-file diff from the adapter survives parse+serialise
	// byte for byte (the adapter emits no index/mode-only decoration beyond
	// the new-file marker, which the serialiser normalises away).
	g := NewWithRunner(&MockRunner{})
	dir := t.TempDir()
	writeFile(t, dir, "n.txt", "a\nb\nc\n")

	diff := g.syntheticDiff(dir, "n.txt")
	parsed := ParseDiff(diff)
	if len(parsed) != 1 {
		t.Fatalf("parsed %d files", len(parsed))
	}
	if parsed[0].FileB != "n.txt" || len(parsed[0].Hunks[0].Lines) != 3 {
		t.Fatalf("parsed = %+v", parsed[0])
	}
	if !reflect.DeepEqual(ParseDiff(SerializeDiff(parsed)), parsed) {
		t.Fatal("adapter diff did not round trip")
	}
}

func TestParseHunkHeader_OmittedCounts(t *testing.T) {
	h, ok := parseHunkHeader("@@ -3 +4 @@ func main() {")
	if !ok {
		t.Fatal("header with omitted counts should parse")
	}
	if h.OldStart != 3 || h.OldCount != 1 || h.NewStart != 4 || h.NewCount != 1 {
		t.Fatalf("header = %+v", h)
	}
}

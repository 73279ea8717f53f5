package flow

import (
	"reflect"
	"testing"
)

func TestParseMultiResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "empty input",
			input: "",
			want:  map[string]string{},
		},
		{
			name:  "no markers",
			input: "just some text\nwithout sections",
			want:  map[string]string{},
		},
		{
			name:  "two sections",
			input: "### SUMMARY\nWe talked.\n\n### PERSONAL DETAILS\n**First Name**: Yogev\n",
			want:  map[string]string{"SUMMARY": "We talked.", "PERSONAL DETAILS": "**First Name**: Yogev"},
		},
		{
			name:  "decorated names and preamble",
			input: "Sure! Here you go:\n###  **Summary**:\n  line one  \n\n  line two\n### personal details\n",
			want:  map[string]string{"SUMMARY": "line one\nline two", "PERSONAL DETAILS": ""},
		},
		{
			name:  "empty marker is dropped",
			input: "###\norphan\n### A\nbody",
			want:  map[string]string{"A": "body"},
		},
		{
			name:  "inner colons are kept",
			input: "### TIME: 10:30\nx",
			want:  map[string]string{"TIME: 10:30": "x"},
		},
		{
			name:  "only trailing colons are stripped",
			input: "### A:B:C:\nx\n### **D:E**:\ny",
			want:  map[string]string{"A:B:C": "x", "D:E": "y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMultiResponse(tt.input)
			if got == nil {
				t.Fatal("ParseMultiResponse returned nil map")
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMultiResponse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseMultiResponseIdempotent(t *testing.T) {
	inputs := []string{
		"### SUMMARY\nWe talked.\n### PERSONAL DETAILS\n**Age**: 30\n## Hobbies\n- Chess",
		"preamble\n### **B**:\n  b1\n\n b2 \n### A\na",
		"### A:B:C\nbody\n### D::\nmore",
		"",
	}
	for _, in := range inputs {
		first := ParseMultiResponse(in)
		second := ParseMultiResponse(FormatMultiResponse(first))
		if !reflect.DeepEqual(first, second) {
			t.Errorf("round trip changed sections:\nfirst:  %#v\nsecond: %#v", first, second)
		}
	}
}

func TestParsePersonalDetails(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{
			name:  "root scalars and list",
			input: "**First Name**: Yogev\n## Hobbies\n- Reading\n- Hiking",
			want:  map[string]any{"firstName": "Yogev", "hobbies": []string{"Reading", "Hiking"}},
		},
		{
			name:  "nested object",
			input: "# Personal Details\n**Age**: 34\n**Marital Status**: married\n## Goals\n- Run a marathon",
			want: map[string]any{"personalDetails": map[string]any{
				"age":           "34",
				"maritalStatus": "married",
				"goals":         []string{"Run a marathon"},
			}},
		},
		{
			name:  "colon inside the bold key",
			input: "**First Name:** Yogev\n**Location:**",
			want:  map[string]any{"firstName": "Yogev", "location": ""},
		},
		{
			name:  "value keeps later colons",
			input: "**Wake Up Time**: 06:30",
			want:  map[string]any{"wakeUpTime": "06:30"},
		},
		{
			name:  "items outside a list are ignored",
			input: "- stray\n**Name**: A\n- also stray\nfree text",
			want:  map[string]any{"name": "A"},
		},
		{
			name:  "empty list",
			input: "## Pets",
			want:  map[string]any{"pets": []string{}},
		},
		{
			name:  "empty input",
			input: "",
			want:  map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePersonalDetails(tt.input)
			if err != nil {
				t.Fatalf("ParsePersonalDetails() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePersonalDetails() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestLowerCamel(t *testing.T) {
	tests := map[string]string{
		"First Name":          "firstName",
		"**first name**":      "firstName",
		"  Marital   Status ": "maritalStatus",
		"Age":                 "age",
		"LOCATION":            "location",
		"":                    "",
	}
	for in, want := range tests {
		if got := lowerCamel(in); got != want {
			t.Errorf("lowerCamel(%q) = %q, want %q", in, got, want)
		}
	}
}

// file: internal/core/domain/value_test.go
package domain

import "testing"

func TestFromNativeByteSlices(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want ValueKind
	}{
		{"合法 UTF-8 文本", []byte("hello 世界"), KindString},
		{"内嵌 NUL 字节", []byte{'a', 0x00, 'b'}, KindBinary},
		{"无 NUL 的非法 UTF-8", []byte{0xff, 0xfe, 0x41}, KindBinary},
		{"截断的多字节序列", []byte{'o', 'k', 0xe4, 0xb8}, KindBinary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := FromNative(tc.in)
			if v.Kind != tc.want {
				t.Fatalf("期望类型 %s，实际 %s", tc.want, v.Kind)
			}
			if tc.want == KindBinary && len(v.Bytes) != len(tc.in) {
				t.Fatalf("binary 值长度不符: 期望 %d，实际 %d", len(tc.in), len(v.Bytes))
			}
		})
	}
}

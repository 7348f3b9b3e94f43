package artifacts

import (
	"fmt"
	"path"
)

// Bundle file names inside a page sidecar directory.
const (
	FileText      = "txt"
	FileHOCR      = "hocr"
	FileJPEG      = "jpg"
	FileSVG       = "svg"
	FilePreviewSM = "preview_sm.jpg"
	FilePreviewMD = "preview_md.jpg"
	FilePreviewLG = "preview_lg.jpg"
	FilePreviewXL = "preview_xl.jpg"
)

// BundleFiles lists every file a complete page bundle may hold.
var BundleFiles = []string{
	FileText,
	FileHOCR,
	FileJPEG,
	FileSVG,
	FilePreviewSM,
	FilePreviewMD,
	FilePreviewLG,
	FilePreviewXL,
}

// PreviewSizes are the size suffixes used by preview files.
var PreviewSizes = []string{"sm", "md", "lg", "xl"}

// DocumentPrefix is the directory holding every version of a document.
func DocumentPrefix(ownerID, documentID string) string {
	return path.Join("docs", "user_"+ownerID, "document_"+documentID)
}

// VersionDir is the directory holding one version's PDF.
func VersionDir(ownerID, documentID string, number int) string {
	return path.Join(DocumentPrefix(ownerID, documentID), fmt.Sprintf("v%d", number))
}

// VersionPath is the relative location of a version PDF.
func VersionPath(ownerID, documentID string, number int, fileName string) string {
	return path.Join(VersionDir(ownerID, documentID, number), fileName)
}

// PagePrefix is the sidecar bundle root of a page.
func PagePrefix(pageID string) string {
	return path.Join("sidecars", "page_"+pageID)
}

// PageFile is the relative location of one file inside a page bundle.
func PageFile(pageID, name string) string {
	return path.Join(PagePrefix(pageID), name)
}

// PreviewFile returns the preview file name for a size suffix.
func PreviewFile(size string) string {
	return "preview_" + size + ".jpg"
}

package custody

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Custody 以物件儲存實作 engine.ItemCustody
// 掛單期間物品的序列化內容停放在 bucket 中，保管代碼就是物件的鍵；
// 交付時讀回內容並刪除物件，由宿主伺服器把物品放回玩家的背包。
type S3Custody struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3Custody 建立物件儲存保管者。
func NewS3Custody(client *s3.Client, bucket, prefix string) (*S3Custody, error) {
	const op = "NewS3Custody"
	if bucket == "" {
		return nil, fmt.Errorf("[%s] bucket cannot be empty", op)
	}
	return &S3Custody{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

// Hold 代管一份物品內容並回傳保管代碼。
func (c *S3Custody) Hold(ctx context.Context, owner uuid.UUID, payload []byte) (string, error) {
	const op = "S3Custody.Hold"
	key := fmt.Sprintf("%s%s/%s", c.Prefix, owner, uuid.NewString())
	_, err := c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.Bucket),
		Key:         aws.String(key),
		Body:        newBytesReader(payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload payload, err=%w", op, err)
	}
	return key, nil
}

// Release 將保管的物品交付給指定玩家並回傳其內容。
func (c *S3Custody) Release(ctx context.Context, handle string, to uuid.UUID) ([]byte, error) {
	const op = "S3Custody.Release"
	out, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to fetch payload, handle=%s, err=%w", op, handle, err)
	}
	defer out.Body.Close()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to read payload, err=%w", op, err)
	}
	if _, err := c.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(handle),
	}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to delete payload, handle=%s, err=%w", op, handle, err)
	}
	return payload, nil
}
